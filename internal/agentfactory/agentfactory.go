// Package agentfactory instantiates runnable agents from their database
// configuration (spec §4.K): a name->constructor table, looked up by
// agent_type, producing either a StreamAgent or an IterativeAgent (or any
// agent type registered at runtime) wired to a scoped or global tool
// registry.
package agentfactory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"silexa/devplane/internal/agent"
	"silexa/devplane/internal/limiter"
	"silexa/devplane/internal/runcontext"
	"silexa/devplane/internal/tools"
)

// AgentModel is the subset of a marketplace agent's database row the
// factory needs.
type AgentModel struct {
	Name         string
	Slug         string
	AgentType    string
	SystemPrompt string
	// Tools is the agent's declared tool name list. Nil/empty means "no
	// explicit list": IterativeAgent falls back to the global registry,
	// StreamAgent simply has no tools.
	Tools []string
}

// RunRequest carries everything a RunnableAgent needs for one invocation,
// independent of which concrete agent type handles it.
type RunRequest struct {
	UserRequest string
	EnvContext  agent.EnvContext
	RunContext  runcontext.Context
	Limiter     *limiter.Limiter
	ChatHistory []agent.Message
	Approve     agent.ApprovalFunc
}

// RunnableAgent is the common interface every factory-produced agent
// satisfies: run to completion, emitting agent.Events on ch. ch is closed
// when the run reaches a terminal state.
type RunnableAgent interface {
	Run(ctx context.Context, req RunRequest, ch chan<- agent.Event)
}

// Constructor builds one RunnableAgent from its db model, a model adapter
// (nil for agent types that don't need one), and its resolved tool
// registry (nil if the agent has no tools).
type Constructor func(model AgentModel, modelAdapter agent.ModelAdapter, scoped *tools.Registry) RunnableAgent

// Factory maps agent_type strings to Constructors, extensible at runtime.
type Factory struct {
	mu          sync.RWMutex
	classes     map[string]Constructor
	globalTools *tools.Registry
	logger      *log.Logger
}

// NewFactory builds a Factory pre-registered with StreamAgent and
// IterativeAgent, using globalTools as the fallback registry for
// IterativeAgent instances with no explicit tools list.
func NewFactory(globalTools *tools.Registry, logger *log.Logger) *Factory {
	if logger == nil {
		logger = log.New(log.Writer(), "agentfactory ", log.LstdFlags|log.LUTC)
	}
	f := &Factory{
		classes:     make(map[string]Constructor),
		globalTools: globalTools,
		logger:      logger,
	}
	f.Register("StreamAgent", func(model AgentModel, modelAdapter agent.ModelAdapter, scoped *tools.Registry) RunnableAgent {
		return &StreamAgent{systemPrompt: model.SystemPrompt, tools: scoped, model: modelAdapter}
	})
	f.Register("IterativeAgent", func(model AgentModel, modelAdapter agent.ModelAdapter, scoped *tools.Registry) RunnableAgent {
		return &IterativeAgent{systemPrompt: model.SystemPrompt, tools: scoped, model: modelAdapter}
	})
	return f
}

// Register adds or overwrites the constructor for agentType. Re-registering
// an existing type is logged, mirroring Registry.Register's behavior for
// tool descriptors.
func (f *Factory) Register(agentType string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.classes[agentType]; exists {
		f.logger.Printf("warning: overwriting existing agent type %q", agentType)
	}
	f.classes[agentType] = ctor
}

// AvailableTypes returns every registered agent_type string.
func (f *Factory) AvailableTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.classes))
	for t := range f.classes {
		types = append(types, t)
	}
	return types
}

// CreateAgentFromDBModel builds the agent named by model.AgentType, per
// spec §4.K: rejects an empty/whitespace system prompt, rejects an unknown
// agent_type, and resolves the tool registry before instantiating.
func (f *Factory) CreateAgentFromDBModel(model AgentModel, modelAdapter agent.ModelAdapter) (RunnableAgent, error) {
	if strings.TrimSpace(model.SystemPrompt) == "" {
		return nil, fmt.Errorf("agent %q (slug %q) has no system prompt; all agents require a non-empty system_prompt", model.Name, model.Slug)
	}

	f.mu.RLock()
	ctor, ok := f.classes[model.AgentType]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q; available: %s", model.AgentType, strings.Join(f.AvailableTypes(), ", "))
	}

	var scoped *tools.Registry
	switch {
	case len(model.Tools) > 0:
		scoped = f.globalTools.Scope(model.Tools)
	case model.AgentType == "IterativeAgent":
		scoped = f.globalTools
	}

	f.logger.Printf("creating agent %q (slug %q) of type %q", model.Name, model.Slug, model.AgentType)
	return ctor(model, modelAdapter, scoped), nil
}
