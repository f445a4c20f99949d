package agentfactory

import (
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	"silexa/devplane/internal/agent"
	"silexa/devplane/internal/runcontext"
	"silexa/devplane/internal/tools"
)

type fakeModel struct {
	response string
	err      error
}

func (m *fakeModel) Stream(ctx context.Context, messages []agent.Message, onChunk func(chunk string)) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	onChunk(m.response)
	return m.response, nil
}

func TestCreateAgentFromDBModelRejectsBlankSystemPrompt(t *testing.T) {
	f := NewFactory(tools.NewRegistry(nil), nil)
	_, err := f.CreateAgentFromDBModel(AgentModel{Name: "a", AgentType: "StreamAgent", SystemPrompt: "   "}, nil)
	if err == nil {
		t.Fatal("expected an error for a blank system prompt")
	}
}

func TestCreateAgentFromDBModelRejectsUnknownType(t *testing.T) {
	f := NewFactory(tools.NewRegistry(nil), nil)
	_, err := f.CreateAgentFromDBModel(AgentModel{Name: "a", AgentType: "NoSuchAgent", SystemPrompt: "be helpful"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown agent_type")
	}
	if !strings.Contains(err.Error(), "NoSuchAgent") {
		t.Fatalf("expected the error to name the bad type, got %v", err)
	}
}

func TestIterativeAgentWithNoToolsUsesGlobalRegistry(t *testing.T) {
	global := tools.NewRegistry(log.New(log.Writer(), "test ", 0))
	global.Register(&tools.Descriptor{Name: "global_tool", Category: tools.CategoryProject, Run: func(rc runcontext.Context, params map[string]any) tools.Result {
		return tools.Result{Success: true}
	}})
	f := NewFactory(global, nil)

	a, err := f.CreateAgentFromDBModel(AgentModel{Name: "a", AgentType: "IterativeAgent", SystemPrompt: "be helpful"}, &fakeModel{response: "task_complete"})
	if err != nil {
		t.Fatal(err)
	}
	it, ok := a.(*IterativeAgent)
	if !ok {
		t.Fatalf("expected *IterativeAgent, got %T", a)
	}
	if it.tools != global {
		t.Fatal("expected the global registry to be injected when no tools list is given")
	}
}

func TestStreamAgentIgnoresToolsButRunsModel(t *testing.T) {
	f := NewFactory(tools.NewRegistry(nil), nil)
	a, err := f.CreateAgentFromDBModel(AgentModel{Name: "a", AgentType: "StreamAgent", SystemPrompt: "be terse", Tools: []string{"anything"}}, &fakeModel{response: "hi there"})
	if err != nil {
		t.Fatal(err)
	}

	ch := make(chan agent.Event, 16)
	a.Run(context.Background(), RunRequest{UserRequest: "hello"}, ch)

	var events []agent.Event
	for e := range ch {
		events = append(events, e)
	}
	final := events[len(events)-1]
	if final.Kind != agent.EventComplete || !final.Success || final.FinalResponse != "hi there" {
		t.Fatalf("unexpected final event: %+v", final)
	}
}

func TestStreamAgentPropagatesModelError(t *testing.T) {
	f := NewFactory(tools.NewRegistry(nil), nil)
	a, err := f.CreateAgentFromDBModel(AgentModel{Name: "a", AgentType: "StreamAgent", SystemPrompt: "be terse"}, &fakeModel{err: errors.New("model unavailable")})
	if err != nil {
		t.Fatal(err)
	}
	ch := make(chan agent.Event, 16)
	a.Run(context.Background(), RunRequest{UserRequest: "hello"}, ch)
	var final agent.Event
	for e := range ch {
		final = e
	}
	if final.Kind != agent.EventError {
		t.Fatalf("expected an error event, got %+v", final)
	}
}

func TestRegisterCustomAgentType(t *testing.T) {
	f := NewFactory(tools.NewRegistry(nil), nil)
	f.Register("EchoAgent", func(model AgentModel, modelAdapter agent.ModelAdapter, scoped *tools.Registry) RunnableAgent {
		return &StreamAgent{systemPrompt: model.SystemPrompt, tools: scoped, model: modelAdapter}
	})

	a, err := f.CreateAgentFromDBModel(AgentModel{Name: "echo", AgentType: "EchoAgent", SystemPrompt: "echo back"}, &fakeModel{response: "echoed"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*StreamAgent); !ok {
		t.Fatalf("expected the custom constructor to produce a *StreamAgent, got %T", a)
	}
}

func TestAvailableTypesIncludesBuiltins(t *testing.T) {
	f := NewFactory(tools.NewRegistry(nil), nil)
	types := f.AvailableTypes()
	want := map[string]bool{"StreamAgent": true, "IterativeAgent": true}
	for _, ty := range types {
		delete(want, ty)
	}
	if len(want) != 0 {
		t.Fatalf("missing builtin agent types: %+v", want)
	}
}
