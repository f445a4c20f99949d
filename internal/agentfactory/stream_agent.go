package agentfactory

import (
	"context"

	"silexa/devplane/internal/agent"
	"silexa/devplane/internal/tools"
)

// StreamAgent is a single-turn streaming text generator: no tool loop, no
// iterations, just a model response streamed back to the caller. It keeps
// a tool registry reference only for consistency with other agent types;
// it never executes a tool call.
type StreamAgent struct {
	systemPrompt string
	tools        *tools.Registry
	model        agent.ModelAdapter
}

func (a *StreamAgent) Run(ctx context.Context, req RunRequest, ch chan<- agent.Event) {
	defer close(ch)

	if a.model == nil {
		ch <- agent.Event{Kind: agent.EventError, Content: "StreamAgent has no model adapter configured"}
		return
	}

	messages := []agent.Message{{Role: "system", Content: a.systemPrompt}}
	messages = append(messages, req.ChatHistory...)
	messages = append(messages, agent.Message{Role: "user", Content: req.UserRequest})

	full, err := a.model.Stream(ctx, messages, func(chunk string) {
		select {
		case ch <- agent.Event{Kind: agent.EventTextChunk, Content: chunk, Iteration: 1}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		ch <- agent.Event{Kind: agent.EventError, Content: err.Error()}
		return
	}

	ch <- agent.Event{
		Kind:             agent.EventComplete,
		Success:          true,
		Iterations:       1,
		FinalResponse:    full,
		CompletionReason: agent.ReasonDone,
	}
}
