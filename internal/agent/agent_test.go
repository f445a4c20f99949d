package agent

import (
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"silexa/devplane/internal/limiter"
	"silexa/devplane/internal/runcontext"
	"silexa/devplane/internal/tools"
)

// scriptedModel returns one scripted response per call, in order, ignoring
// the message history it's given.
type scriptedModel struct {
	responses []string
	calls     int
	chunked   bool
}

func (m *scriptedModel) Stream(ctx context.Context, messages []Message, onChunk func(chunk string)) (string, error) {
	if m.calls >= len(m.responses) {
		return "", errors.New("scriptedModel: no more responses scripted")
	}
	resp := m.responses[m.calls]
	m.calls++
	if m.chunked {
		for _, word := range strings.Fields(resp) {
			onChunk(word + " ")
		}
	}
	return resp, nil
}

func newTestRegistry() *tools.Registry {
	r := tools.NewRegistry(log.New(log.Writer(), "test ", 0))
	r.Register(&tools.Descriptor{
		Name:     "noop",
		Category: tools.CategoryProject,
		Run: func(rc runcontext.Context, params map[string]any) tools.Result {
			return tools.Result{Success: true, Output: "ok"}
		},
	})
	r.Register(&tools.Descriptor{
		Name:     "always_fails",
		Category: tools.CategoryProject,
		Run: func(rc runcontext.Context, params map[string]any) tools.Result {
			return tools.Result{Success: false, Error: "boom"}
		},
	})
	r.Register(&tools.Descriptor{
		Name:     "needs_approval",
		Category: tools.CategoryProject,
		Run: func(rc runcontext.Context, params map[string]any) tools.Result {
			if rc.SkipApprovalCheck {
				return tools.Result{Success: true, Output: "did the dangerous thing"}
			}
			return tools.Result{Success: true, ApprovalRequired: true, Output: "pending"}
		},
	})
	return r
}

func baseSpec(model ModelAdapter) Spec {
	return Spec{
		SystemPrompt: "you are a test agent",
		Model:        model,
		Tools:        newTestRegistry(),
		RunContext:   runcontext.Context{User: "u1", Project: "p1", RunID: "run-1"},
		UserRequest:  "do the thing",
	}
}

func drain(ch <-chan Event) []Event {
	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func lastEvent(events []Event) Event {
	return events[len(events)-1]
}

func TestRunHappyPathCompletesOnToolCall(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`THOUGHT: calling noop
<tool_call><tool_name>noop</tool_name><parameters>{}</parameters></tool_call>`,
		"All done. task_complete",
	}}
	spec := baseSpec(model)

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	final := lastEvent(events)
	if final.Kind != EventComplete || !final.Success || final.CompletionReason != ReasonDone {
		t.Fatalf("expected successful completion, got %+v", final)
	}
	if final.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", final.Iterations)
	}
	if final.ToolCallsMade != 1 {
		t.Fatalf("expected 1 tool call made, got %d", final.ToolCallsMade)
	}

	// Every iteration emits an agent_step; the first one carries the noop
	// call, the completing second one carries none.
	var sawStep bool
	for _, e := range events {
		if e.Kind == EventAgentStep && e.Iteration == 1 {
			sawStep = true
			if len(e.ToolCalls) != 1 || e.ToolCalls[0].Name != "noop" {
				t.Fatalf("expected a noop tool call in the step event, got %+v", e.ToolCalls)
			}
		}
	}
	if !sawStep {
		t.Fatal("expected an agent_step event for iteration 1")
	}
}

func TestRunEmitsTextChunksFromStream(t *testing.T) {
	model := &scriptedModel{chunked: true, responses: []string{"hello there task_complete"}}
	spec := baseSpec(model)

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	var chunks []string
	for _, e := range events {
		if e.Kind == EventTextChunk {
			chunks = append(chunks, e.Content)
		}
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one text_chunk event")
	}
}

func TestRunNoToolCallsNoPriorFailureEndsNoMoreActions(t *testing.T) {
	model := &scriptedModel{responses: []string{"just chatting, nothing to do here"}}
	spec := baseSpec(model)

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	final := lastEvent(events)
	if final.Kind != EventComplete || !final.Success || final.CompletionReason != ReasonNoMoreActions {
		t.Fatalf("expected no_more_actions completion, got %+v", final)
	}
	if final.Iterations != 1 {
		t.Fatalf("expected exactly 1 iteration, got %d", final.Iterations)
	}
}

func TestRunRetriesAfterToolFailureThenNoToolCalls(t *testing.T) {
	// Iteration 1 fails a tool call (sets previousIterationHadFailure).
	// Iteration 2 makes no tool calls but still carries that failure flag,
	// so the loop must re-prompt rather than terminate. Iteration 3 makes a
	// successful tool call, clearing the flag, and iteration 4 finally has
	// no tool calls with a clean flag and can terminate.
	model := &scriptedModel{responses: []string{
		`<tool_call><tool_name>always_fails</tool_name><parameters>{}</parameters></tool_call>`,
		"still thinking, nothing concrete yet",
		`<tool_call><tool_name>noop</tool_name><parameters>{}</parameters></tool_call>`,
		"nothing more to try",
	}}
	spec := baseSpec(model)

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	final := lastEvent(events)
	if final.Kind != EventComplete {
		t.Fatalf("expected a complete event, got %+v", final)
	}
	if final.CompletionReason != ReasonNoMoreActions {
		t.Fatalf("expected the final no-tool-calls iteration to terminate, got %s", final.CompletionReason)
	}
	if final.Iterations != 4 {
		t.Fatalf("expected 4 iterations, got %d", final.Iterations)
	}
}

func TestRunCompleteWithPriorFailureForcesRetryInstruction(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`<tool_call><tool_name>always_fails</tool_name><parameters>{}</parameters></tool_call>
task_complete`,
		"fixed it now. task_complete",
	}}
	spec := baseSpec(model)

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	final := lastEvent(events)
	if final.Kind != EventComplete || !final.Success || final.CompletionReason != ReasonDone {
		t.Fatalf("expected eventual successful completion, got %+v", final)
	}
	if final.Iterations != 2 {
		t.Fatalf("expected completion to be deferred one extra iteration due to the tool failure, got %d", final.Iterations)
	}
}

func TestRunApprovalAllowOnceExecutesTool(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`<tool_call><tool_name>needs_approval</tool_name><parameters>{}</parameters></tool_call>`,
		"task_complete",
	}}
	spec := baseSpec(model)
	spec.Approve = func(ctx context.Context, req ApprovalRequest) ApprovalDecision {
		if req.ToolName != "needs_approval" {
			t.Fatalf("unexpected approval request: %+v", req)
		}
		return ApprovalAllowOnce
	}

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	var sawApproval bool
	var sawExecutedOutput bool
	for _, e := range events {
		if e.Kind == EventApprovalRequired {
			sawApproval = true
		}
		if e.Kind == EventAgentStep {
			for _, r := range e.ToolResults {
				if r.Tool == "needs_approval" && r.Output == "did the dangerous thing" {
					sawExecutedOutput = true
				}
			}
		}
	}
	if !sawApproval {
		t.Fatal("expected an approval_required event")
	}
	if !sawExecutedOutput {
		t.Fatal("expected the re-executed tool result to reflect SkipApprovalCheck")
	}
	final := lastEvent(events)
	if final.Kind != EventComplete || !final.Success {
		t.Fatalf("expected successful completion after approval, got %+v", final)
	}
}

func TestRunApprovalStopTerminatesRun(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`<tool_call><tool_name>needs_approval</tool_name><parameters>{}</parameters></tool_call>`,
	}}
	spec := baseSpec(model)
	spec.Approve = func(ctx context.Context, req ApprovalRequest) ApprovalDecision {
		return ApprovalStop
	}

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	final := lastEvent(events)
	if final.Kind != EventComplete || final.Success || final.CompletionReason != ReasonUserStopped {
		t.Fatalf("expected user_stopped completion, got %+v", final)
	}
	if model.calls != 1 {
		t.Fatalf("expected the run to stop after the first model call, got %d calls", model.calls)
	}
}

func TestRunApprovalMissingHandlerFailsToolAndContinues(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`<tool_call><tool_name>needs_approval</tool_name><parameters>{}</parameters></tool_call>`,
		"no handler was available so I'm stopping here",
	}}
	spec := baseSpec(model)
	// spec.Approve intentionally left nil.

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	var sawFailure bool
	for _, e := range events {
		if e.Kind == EventAgentStep {
			for _, r := range e.ToolResults {
				if r.Tool == "needs_approval" && !r.Success {
					sawFailure = true
				}
			}
		}
	}
	if !sawFailure {
		t.Fatal("expected the tool result to fail when no approval handler is configured")
	}
}

func TestRunResourceLimitExceededTerminatesRun(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`<tool_call><tool_name>noop</tool_name><parameters>{}</parameters></tool_call>`,
		`<tool_call><tool_name>noop</tool_name><parameters>{}</parameters></tool_call>`,
		`<tool_call><tool_name>noop</tool_name><parameters>{}</parameters></tool_call>`,
	}}
	spec := baseSpec(model)
	// Cap at a single allowed iteration beyond the first, forcing
	// advanceIteration's limiter check to fail on the second round-trip.
	spec.Limiter = limiter.New(limiter.DefaultMaxCost, limiter.DefaultMaxIterations, limiter.DefaultMaxCostPerRun, 1)

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	final := lastEvent(events)
	if final.Kind != EventComplete || final.Success || final.CompletionReason != ReasonResourceLimitHit {
		t.Fatalf("expected resource_limit_exceeded completion, got %+v", final)
	}
}

func TestRunModelErrorEmitsErrorEvent(t *testing.T) {
	model := &scriptedModel{responses: nil}
	spec := baseSpec(model)

	ch := make(chan Event, 64)
	Run(context.Background(), spec, ch)
	events := drain(ch)

	final := lastEvent(events)
	if final.Kind != EventError {
		t.Fatalf("expected an error event, got %+v", final)
	}
}

func TestRunContextCancellationDuringStreamStopsPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &scriptedModel{chunked: true, responses: []string{"this never gets to finish"}}
	spec := baseSpec(model)

	ch := make(chan Event)
	done := make(chan struct{})
	go func() {
		Run(ctx, spec, ch)
		close(done)
	}()
	cancel()

	// Drain whatever was already buffered so Run's sends don't block forever,
	// then wait for Run to return now that the context is cancelled.
	go func() {
		for range ch {
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
}
