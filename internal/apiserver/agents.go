package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"silexa/devplane/internal/agent"
	"silexa/devplane/internal/agentfactory"
	"silexa/devplane/internal/runcontext"
)

// pendingApprovals holds the decision channel for every approval_required
// event currently in flight, keyed by approval id. The agent loop's
// ApprovalFunc blocks on the channel (spec's open question #3: "the source
// blocks indefinitely") until handleSubmitApproval delivers a decision or
// the request context is cancelled.
type pendingApprovals struct {
	mu      sync.Mutex
	waiting map[string]chan agent.ApprovalDecision
}

func newPendingApprovals() *pendingApprovals {
	return &pendingApprovals{waiting: make(map[string]chan agent.ApprovalDecision)}
}

func (p *pendingApprovals) register(id string) chan agent.ApprovalDecision {
	ch := make(chan agent.ApprovalDecision, 1)
	p.mu.Lock()
	p.waiting[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingApprovals) resolve(id string, decision agent.ApprovalDecision) bool {
	p.mu.Lock()
	ch, ok := p.waiting[id]
	if ok {
		delete(p.waiting, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var body struct {
		AgentType    string           `json:"agent_type"`
		SystemPrompt string           `json:"system_prompt"`
		Tools        []string         `json:"tools"`
		User         string           `json:"user"`
		Project      string           `json:"project"`
		UserRequest  string           `json:"user_request"`
		ChatHistory  []agent.Message  `json:"chat_history"`
		EnvContext   agent.EnvContext `json:"env_context"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}

	model := agentfactory.AgentModel{
		Name:         slug,
		Slug:         slug,
		AgentType:    body.AgentType,
		SystemPrompt: body.SystemPrompt,
		Tools:        body.Tools,
	}
	runnable, err := s.deps.Agents.CreateAgentFromDBModel(model, s.deps.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not build agent", "", err)
		return
	}

	runID := uuid.NewString()
	rc := runcontext.Context{User: body.User, Project: body.Project, RunID: runID}
	if s.deps.Orchestrator != nil {
		rc.Orchestrator = newOrchestratorAdapter(s.deps.Orchestrator)
	}
	if s.deps.Shells != nil {
		rc.Shells = newShellManagerAdapter(s.deps.Shells)
	}
	rc.Projects = s.deps.Projects

	req := agentfactory.RunRequest{
		UserRequest: body.UserRequest,
		EnvContext:  body.EnvContext,
		RunContext:  rc,
		ChatHistory: body.ChatHistory,
		Approve:     s.approvals.approve,
		Limiter:     s.deps.Limiter,
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan agent.Event, 16)
	go runnable.Run(r.Context(), req, ch)

	for evt := range ch {
		payload, err := json.Marshal(evt)
		if err != nil {
			s.logger.Printf("agent run %s: failed to marshal event: %v", runID, err)
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// approve is the ApprovalFunc every HTTP-driven agent run uses: it
// registers a channel under the approval id embedded in req and blocks
// until handleSubmitApproval delivers a decision or ctx is cancelled (the
// client disconnected), in which case it treats the run as stopped.
func (p *pendingApprovals) approve(ctx context.Context, req agent.ApprovalRequest) agent.ApprovalDecision {
	ch := p.register(req.ApprovalID)
	select {
	case decision := <-ch:
		return decision
	case <-ctx.Done():
		return agent.ApprovalStop
	}
}

func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Decision string `json:"decision"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	var decision agent.ApprovalDecision
	switch body.Decision {
	case "allow_once":
		decision = agent.ApprovalAllowOnce
	case "allow_all":
		decision = agent.ApprovalAllowAll
	case "stop":
		decision = agent.ApprovalStop
	default:
		writeError(w, http.StatusBadRequest, "decision must be allow_once, allow_all, or stop", "", nil)
		return
	}
	if !s.approvals.resolve(id, decision) {
		writeError(w, http.StatusNotFound, "no pending approval with that id", "", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
