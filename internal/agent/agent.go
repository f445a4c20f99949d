// Package agent implements the iterative agent state machine (spec §4.J):
// READY -> THINKING -> PARSING -> ACTING -> OBSERVING, looping until DONE
// or FAILED, emitting a typed event stream as it goes.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"silexa/devplane/internal/agentparse"
	"silexa/devplane/internal/limiter"
	"silexa/devplane/internal/runcontext"
	"silexa/devplane/internal/tools"
)

// State is one of the iterative agent's lifecycle states.
type State string

const (
	StateReady     State = "READY"
	StateThinking  State = "THINKING"
	StateParsing   State = "PARSING"
	StateActing    State = "ACTING"
	StateObserving State = "OBSERVING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

const observationTruncateLimit = 10000

// Message is one entry in the chat history passed to the model adapter.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ModelAdapter produces streaming text chunks from a chat message list.
// Implementations call onChunk for every incremental piece of text and
// return the full accumulated response on completion.
type ModelAdapter interface {
	Stream(ctx context.Context, messages []Message, onChunk func(chunk string)) (fullResponse string, err error)
}

// ApprovalDecision is the caller's response to an approval_required event.
type ApprovalDecision string

const (
	ApprovalAllowOnce ApprovalDecision = "allow_once"
	ApprovalAllowAll  ApprovalDecision = "allow_all"
	ApprovalStop      ApprovalDecision = "stop"
)

// ApprovalRequest is sent to the caller-supplied approval function when a
// tool result carries ApprovalRequired=true.
type ApprovalRequest struct {
	ApprovalID      string         `json:"approval_id"`
	ToolName        string         `json:"tool_name"`
	Parameters      map[string]any `json:"parameters"`
	ToolDescription string         `json:"tool_description"`
}

// ApprovalFunc blocks until the caller has decided how to handle a pending
// tool approval.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) ApprovalDecision

// EventKind discriminates the Event union.
type EventKind string

const (
	EventTextChunk        EventKind = "text_chunk"
	EventAgentStep        EventKind = "agent_step"
	EventApprovalRequired EventKind = "approval_required"
	EventComplete         EventKind = "complete"
	EventError            EventKind = "error"
)

// Event is the single type emitted on the agent's output channel; only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind `json:"type"`

	// text_chunk
	Content   string `json:"content,omitempty"`
	Iteration int    `json:"iteration,omitempty"`

	// agent_step
	Thought      string                `json:"thought,omitempty"`
	ToolCalls    []agentparse.ToolCall `json:"tool_calls,omitempty"`
	ToolResults  []tools.Result        `json:"tool_results,omitempty"`
	ResponseText string                `json:"response_text,omitempty"`
	IsComplete   bool                  `json:"is_complete,omitempty"`

	// approval_required
	Approval ApprovalRequest `json:"approval,omitempty"`

	// complete
	Success          bool          `json:"success,omitempty"`
	Iterations       int           `json:"iterations,omitempty"`
	FinalResponse    string        `json:"final_response,omitempty"`
	ToolCallsMade    int           `json:"tool_calls_made,omitempty"`
	CompletionReason string        `json:"completion_reason,omitempty"`
	ResourceStats    limiter.Stats `json:"resource_stats,omitempty"`
}

// CompletionReason values.
const (
	ReasonDone             = "done"
	ReasonNoMoreActions    = "no_more_actions"
	ReasonUserStopped      = "user_stopped"
	ReasonResourceLimitHit = "resource_limit_exceeded"
)

// Spec configures one agent run.
type Spec struct {
	SystemPrompt        string
	SpecializationPrompt string
	Model               ModelAdapter
	Tools               *tools.Registry
	RunContext          runcontext.Context
	Limiter             *limiter.Limiter
	ChatHistory         []Message
	UserRequest         string
	EnvContext          EnvContext
	Approve             ApprovalFunc
}

// EnvContext is the environment-context block injected into the first user
// message (current time, deployment mode, container/pod name, cwd, project
// path, plus a capped file listing).
type EnvContext struct {
	DeploymentMode string `json:"deployment_mode"`
	TargetName     string `json:"target_name"`
	ProjectPath    string `json:"project_path"`
	FileListing    string `json:"file_listing"` // pre-rendered "ls -lah /app", caller truncates to 50 lines
}

// Run drives the iterative loop to completion, sending every Event to ch.
// ch is closed when the run reaches a terminal state; Run itself returns
// once the loop terminates. The run is not restartable.
func Run(ctx context.Context, spec Spec, ch chan<- Event) {
	defer close(ch)

	runID := spec.RunContext.RunID
	messages := buildInitialMessages(spec)

	iteration := 0
	previousIterationHadFailure := false
	toolCallsMade := 0

	for {
		// THINKING: stream the model response for the current message list.
		iteration++
		var full strings.Builder
		resp, err := spec.Model.Stream(ctx, messages, func(chunk string) {
			full.WriteString(chunk)
			select {
			case ch <- Event{Kind: EventTextChunk, Content: chunk, Iteration: iteration}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			ch <- Event{Kind: EventError, Content: err.Error()}
			return
		}
		if resp == "" {
			resp = full.String()
		}
		messages = append(messages, Message{Role: "assistant", Content: resp})

		// PARSING, ACTING, OBSERVING, and the next-state decision.
		next, done := stepAfterThinking(ctx, spec, resp, &messages, iteration, &previousIterationHadFailure, &toolCallsMade, ch, runID)
		if done {
			return
		}
		if next == StateFailed || next == StateDone {
			return
		}
	}
}

func buildInitialMessages(spec Spec) []Message {
	systemPrompt := spec.SystemPrompt
	if spec.SpecializationPrompt != "" {
		systemPrompt += "\n\n" + spec.SpecializationPrompt
	}
	if spec.Tools != nil {
		systemPrompt += "\n\n" + spec.Tools.Render()
	}

	messages := []Message{{Role: "system", Content: systemPrompt}}
	messages = append(messages, spec.ChatHistory...)

	envBlock := renderEnvBlock(spec.EnvContext)
	userContent := envBlock + "\n\n" + spec.UserRequest
	messages = append(messages, Message{Role: "user", Content: userContent})
	return messages
}

func renderEnvBlock(env EnvContext) string {
	now := time.Now().UTC().Format(time.RFC3339)
	var b strings.Builder
	fmt.Fprintf(&b, "Environment context:\n")
	fmt.Fprintf(&b, "- current_time: %s\n", now)
	fmt.Fprintf(&b, "- deployment_mode: %s\n", env.DeploymentMode)
	fmt.Fprintf(&b, "- target: %s\n", env.TargetName)
	fmt.Fprintf(&b, "- cwd: /app\n")
	fmt.Fprintf(&b, "- project_path: %s\n", env.ProjectPath)
	if env.FileListing != "" {
		b.WriteString("\nFiles:\n")
		b.WriteString(capLines(env.FileListing, 50))
	}
	return b.String()
}

func capLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	return strings.Join(lines[:max], "\n")
}

// stepAfterThinking runs PARSING, ACTING, OBSERVING for the response
// produced by the most recent THINKING state, and decides the next state
// per spec §4.J step 6. Returns the next state and whether Run should
// return immediately (a terminal event has already been sent).
func stepAfterThinking(
	ctx context.Context,
	spec Spec,
	response string,
	messages *[]Message,
	iteration int,
	previousIterationHadFailure *bool,
	toolCallsMade *int,
	ch chan<- Event,
	runID string,
) (State, bool) {
	thought := agentparse.ExtractThought(response)
	toolCalls := agentparse.ExtractToolCalls(response)
	isComplete := agentparse.IsComplete(response)
	conversational := agentparse.GetConversationalText(response)

	results := make([]tools.Result, 0, len(toolCalls))
	anyFailure := false

	for _, call := range toolCalls {
		if call.Name == agentparse.ParseErrorToolName {
			results = append(results, tools.Result{
				Success:        false,
				Tool:           call.Name,
				Error:          "failed to parse tool call parameters",
				RequiredAction: "retry with valid JSON parameters",
			})
			anyFailure = true
			continue
		}

		rc := spec.RunContext
		result := spec.Tools.Execute(call.Name, call.Parameters, rc)
		*toolCallsMade++

		if result.ApprovalRequired && !rc.SkipApprovalCheck {
			approvalID := fmt.Sprintf("%s-%d", runID, len(results))
			req := ApprovalRequest{ApprovalID: approvalID, ToolName: call.Name, Parameters: call.Parameters}
			select {
			case ch <- Event{Kind: EventApprovalRequired, Approval: req}:
			case <-ctx.Done():
				return StateFailed, true
			}
			if spec.Approve == nil {
				results = append(results, tools.Result{Success: false, Tool: call.Name, Error: "no approval handler configured"})
				anyFailure = true
				continue
			}
			decision := spec.Approve(ctx, req)
			switch decision {
			case ApprovalStop:
				ch <- Event{Kind: EventComplete, Success: false, Iterations: iteration, CompletionReason: ReasonUserStopped}
				return StateFailed, true
			case ApprovalAllowOnce, ApprovalAllowAll:
				rc.SkipApprovalCheck = true
				result = spec.Tools.Execute(call.Name, call.Parameters, rc)
			}
		}

		if !result.Success {
			anyFailure = true
		}
		results = append(results, result)
	}

	assistantStep := Event{
		Kind:         EventAgentStep,
		Iteration:    iteration,
		Thought:      thought,
		ToolCalls:    toolCalls,
		ToolResults:  results,
		ResponseText: response,
		IsComplete:   isComplete,
	}
	select {
	case ch <- assistantStep:
	case <-ctx.Done():
		return StateFailed, true
	}

	observation := renderObservation(results)
	if observation != "" {
		*messages = append(*messages, Message{Role: "user", Content: observation})
	}

	switch {
	case isComplete && anyFailure:
		*messages = append(*messages, Message{Role: "user", Content: "You marked the task complete, but the previous step had tool errors. Fix them before concluding, or explain why completion is still correct."})
		*previousIterationHadFailure = true
		return advanceIteration(spec, ch, iteration)

	case isComplete:
		ch <- Event{
			Kind: EventComplete, Success: true, Iterations: iteration,
			FinalResponse: conversational, ToolCallsMade: *toolCallsMade,
			CompletionReason: ReasonDone, ResourceStats: statsOrZero(spec.Limiter, runID),
		}
		return StateDone, true

	case len(toolCalls) == 0 && *previousIterationHadFailure:
		*messages = append(*messages, Message{Role: "user", Content: "No tool calls were made, but the previous step had errors. Retry the failed action or explain how to proceed."})
		return advanceIteration(spec, ch, iteration)

	case len(toolCalls) == 0:
		ch <- Event{
			Kind: EventComplete, Success: true, Iterations: iteration,
			FinalResponse: conversational, ToolCallsMade: *toolCallsMade,
			CompletionReason: ReasonNoMoreActions, ResourceStats: statsOrZero(spec.Limiter, runID),
		}
		return StateDone, true

	default:
		*previousIterationHadFailure = anyFailure
		return advanceIteration(spec, ch, iteration)
	}
}

func advanceIteration(spec Spec, ch chan<- Event, iteration int) (State, bool) {
	if spec.Limiter != nil {
		if err := spec.Limiter.AddIteration(spec.RunContext.RunID); err != nil {
			ch <- Event{Kind: EventComplete, Success: false, Iterations: iteration, CompletionReason: ReasonResourceLimitHit}
			return StateFailed, true
		}
	}
	return StateThinking, false
}

func statsOrZero(l *limiter.Limiter, runID string) limiter.Stats {
	if l == nil {
		return limiter.Stats{}
	}
	return l.GetStats(runID)
}

// renderObservation formats tool results as the user-role observation
// message fed back to the model: "Observation:\n" followed by one entry
// per tool result, with output/stdout elided beyond the truncate limit.
func renderObservation(results []tools.Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Observation:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- tool: %s\n", r.Tool)
		fmt.Fprintf(&b, "  success: %v\n", r.Success)
		if r.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", r.Error)
		}
		if r.RequiredAction != "" {
			fmt.Fprintf(&b, "  suggestion: %s\n", r.RequiredAction)
		}
		if r.Output != nil {
			fmt.Fprintf(&b, "  output: %s\n", truncateMiddle(fmt.Sprintf("%v", r.Output), observationTruncateLimit))
		}
		for k, v := range r.Details {
			fmt.Fprintf(&b, "  %s: %v\n", k, v)
		}
	}
	return b.String()
}

// truncateMiddle elides the middle of s beyond limit chars, keeping head
// and tail context rather than just cutting the tail off.
func truncateMiddle(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	half := limit / 2
	return s[:half] + fmt.Sprintf("\n... (%d chars elided) ...\n", len(s)-limit) + s[len(s)-half:]
}
