package apiserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"silexa/devplane/internal/orchestrator"
)

func pathParams(r *http.Request) (user, project string) {
	return chi.URLParam(r, "user"), chi.URLParam(r, "project")
}

func (s *Server) handleStartEnvironment(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	var body struct {
		ProjectPath string `json:"project_path"`
		Slug        string `json:"slug"`
		StartCmd    string `json:"start_cmd"`
		Port        int    `json:"port"`
	}
	_ = decodeJSON(r, &body)

	url, err := s.deps.Orchestrator.StartContainer(r.Context(), user, project, orchestrator.StartOptions{
		ProjectPath: body.ProjectPath,
		Slug:        body.Slug,
		StartCmd:    body.StartCmd,
		Port:        body.Port,
	})
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleStopEnvironment(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	if err := s.deps.Orchestrator.StopContainer(r.Context(), user, project); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRestartEnvironment(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	var body struct {
		ProjectPath string `json:"project_path"`
		Slug        string `json:"slug"`
		StartCmd    string `json:"start_cmd"`
		Port        int    `json:"port"`
	}
	_ = decodeJSON(r, &body)
	url, err := s.deps.Orchestrator.RestartContainer(r.Context(), user, project, orchestrator.StartOptions{
		ProjectPath: body.ProjectPath,
		Slug:        body.Slug,
		StartCmd:    body.StartCmd,
		Port:        body.Port,
	})
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleEnvironmentStatus(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	slug := r.URL.Query().Get("slug")
	status, err := s.deps.Orchestrator.Status(r.Context(), user, project, slug)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	var body struct {
		Command        []string `json:"command"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	if len(body.Command) == 0 {
		writeError(w, http.StatusBadRequest, "command is required", "", nil)
		return
	}
	timeout := 30 * time.Second
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}
	out, err := s.deps.Orchestrator.Exec(r.Context(), user, project, body.Command, timeout)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	path := r.URL.Query().Get("path")
	content, found, err := s.deps.Orchestrator.ReadFile(r.Context(), user, project, path)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "file not found", "", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	if err := s.deps.Orchestrator.WriteFile(r.Context(), user, project, body.Path, body.Content); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	path := r.URL.Query().Get("path")
	if err := s.deps.Orchestrator.DeleteFile(r.Context(), user, project, path); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	path := r.URL.Query().Get("path")
	entries, err := s.deps.Orchestrator.ListFiles(r.Context(), user, project, path)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGlob(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	pattern := r.URL.Query().Get("pattern")
	entries, err := s.deps.Orchestrator.Glob(r.Context(), user, project, pattern)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGrep(w http.ResponseWriter, r *http.Request) {
	user, project := pathParams(r)
	pattern := r.URL.Query().Get("pattern")
	entries, err := s.deps.Orchestrator.Grep(r.Context(), user, project, pattern)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeOrchestratorError maps the orchestrator's sentinel errors onto HTTP
// status codes per the error taxonomy (spec §7).
func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEnvNotRunning):
		writeError(w, http.StatusConflict, "environment is not running", "start the environment first", err)
	case errors.Is(err, orchestrator.ErrImageBuildFailed):
		writeError(w, http.StatusInternalServerError, "image build failed", "", err)
	case errors.Is(err, orchestrator.ErrStartupTimeout):
		writeError(w, http.StatusGatewayTimeout, "environment startup timed out", "", err)
	case errors.Is(err, orchestrator.ErrMissingFiles):
		writeError(w, http.StatusNotFound, "required project files are missing", "", err)
	case errors.Is(err, orchestrator.ErrExecTimeout):
		writeError(w, http.StatusGatewayTimeout, "command timed out", "", err)
	case errors.Is(err, orchestrator.ErrDisconnected):
		writeError(w, http.StatusBadGateway, "lost connection to the environment", "", err)
	default:
		var nz *orchestrator.ExecNonZeroError
		if errors.As(err, &nz) {
			writeJSON(w, http.StatusOK, map[string]any{
				"output":    nz.Output,
				"exit_code": strconv.Itoa(nz.ExitCode),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", "", err)
	}
}
