package apiserver

import (
	"net/http"
	"strconv"

	"silexa/devplane/internal/gitmanager"
)

func (s *Server) gitManager(r *http.Request) (*gitmanager.Manager, bool) {
	user, project := pathParams(r)
	if s.deps.Git == nil {
		return nil, false
	}
	return s.deps.Git(user, project), true
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	status, err := mgr.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "git status failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	var body struct {
		Message string   `json:"message"`
		Files   []string `json:"files"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	sha, err := mgr.Commit(r.Context(), body.Message, body.Files)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "git commit failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sha": sha})
}

func (s *Server) handleGitPush(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	var body struct {
		Branch string `json:"branch"`
		Remote string `json:"remote"`
		Force  bool   `json:"force"`
	}
	_ = decodeJSON(r, &body)
	if err := mgr.Push(r.Context(), body.Branch, body.Remote, body.Force); err != nil {
		writeError(w, http.StatusInternalServerError, "git push failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pushed"})
}

func (s *Server) handleGitPull(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	var body struct {
		Branch string `json:"branch"`
		Remote string `json:"remote"`
	}
	_ = decodeJSON(r, &body)
	result, err := mgr.Pull(r.Context(), body.Branch, body.Remote)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "git pull failed", "", err)
		return
	}
	// Per the error taxonomy (spec §7), a merge conflict is reported as
	// success=false with the conflicting paths, not an HTTP error.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGitBranches(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	branches, err := mgr.ListBranches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "git branch list failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (s *Server) handleGitCreateBranch(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	var body struct {
		Name     string `json:"name"`
		Checkout bool   `json:"checkout"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	if err := mgr.CreateBranch(r.Context(), body.Name, body.Checkout); err != nil {
		writeError(w, http.StatusInternalServerError, "git branch create failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "created"})
}

func (s *Server) handleGitSwitchBranch(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	if err := mgr.SwitchBranch(r.Context(), body.Name); err != nil {
		writeError(w, http.StatusInternalServerError, "git checkout failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "switched"})
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	file := r.URL.Query().Get("file")
	staged := r.URL.Query().Get("staged") == "true"
	diff, err := mgr.GetDiff(r.Context(), file, staged)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "git diff failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"diff": diff})
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.gitManager(r)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "git is not configured", "", nil)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	branch := r.URL.Query().Get("branch")
	commits, err := mgr.GetCommitHistory(r.Context(), limit, branch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "git log failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}
