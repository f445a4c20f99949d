package apiserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"silexa/devplane/internal/shellsession"
)

func (s *Server) handleCreateShellSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User    string `json:"user"`
		Project string `json:"project"`
		Command string `json:"command"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	rec, err := s.deps.Shells.CreateSession(body.User, body.Project, body.Command)
	if err != nil {
		s.writeShellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleWriteShellSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Data string `json:"data"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	if err := s.deps.Shells.WriteToSession(id, body.Data); err != nil {
		s.writeShellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

func (s *Server) handleReadShellSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.deps.Shells.ReadOutput(id)
	if err != nil {
		s.writeShellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCloseShellSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Shells.CloseSession(id); err != nil {
		s.writeShellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleListShellSessions(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	project := r.URL.Query().Get("project")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required", "", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Shells.ListSessions(user, project))
}

func (s *Server) writeShellError(w http.ResponseWriter, err error) {
	var tooMany *shellsession.TooManySessionsError
	if errors.As(err, &tooMany) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"message":      err.Error(),
			"scope":        tooMany.Scope,
			"existing_ids": tooMany.ExistingIDs,
		})
		return
	}
	var notRunning *shellsession.EnvNotRunningError
	if errors.As(err, &notRunning) {
		writeError(w, http.StatusConflict, "environment is not running", "start the environment first", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error", "", err)
}
