package agentfactory

import (
	"context"

	"silexa/devplane/internal/agent"
	"silexa/devplane/internal/tools"
)

// IterativeAgent wraps the THINKING/PARSING/ACTING/OBSERVING loop
// (internal/agent.Run) behind the RunnableAgent interface, binding it to
// one system prompt, tool registry, and model adapter.
type IterativeAgent struct {
	systemPrompt string
	tools        *tools.Registry
	model        agent.ModelAdapter
}

func (a *IterativeAgent) Run(ctx context.Context, req RunRequest, ch chan<- agent.Event) {
	spec := agent.Spec{
		SystemPrompt: a.systemPrompt,
		Model:        a.model,
		Tools:        a.tools,
		RunContext:   req.RunContext,
		Limiter:      req.Limiter,
		ChatHistory:  req.ChatHistory,
		UserRequest:  req.UserRequest,
		EnvContext:   req.EnvContext,
		Approve:      req.Approve,
	}
	agent.Run(ctx, spec, ch)
}
