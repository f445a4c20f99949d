package apiserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"silexa/devplane/internal/credentials"
)

func credentialParams(r *http.Request) (user, provider string) {
	return chi.URLParam(r, "user"), chi.URLParam(r, "provider")
}

func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credentials == nil {
		writeError(w, http.StatusServiceUnavailable, "credential store is not configured", "", nil)
		return
	}
	user, provider := credentialParams(r)
	var body struct {
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		Expiry       time.Time `json:"expiry"`
		Scopes       []string  `json:"scopes"`
		AccountID    string    `json:"account_id"`
		AccountEmail string    `json:"account_email"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "", err)
		return
	}
	if body.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "access_token is required", "", nil)
		return
	}
	if err := s.deps.Credentials.StoreOAuthToken(user, provider, body.AccessToken, body.RefreshToken, body.Expiry, body.Scopes, body.AccountID, body.AccountEmail); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store credential", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credentials == nil {
		writeError(w, http.StatusServiceUnavailable, "credential store is not configured", "", nil)
		return
	}
	user, provider := credentialParams(r)
	rec, err := s.deps.Credentials.GetCredentials(user, provider)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no stored credential for this provider", "reconnect this provider", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load credential", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":    rec.ProviderAccountID,
		"account_email": rec.ProviderAccountEmail,
		"scopes":        rec.Scopes,
		"expired":       rec.HasExpired(),
	})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credentials == nil {
		writeError(w, http.StatusServiceUnavailable, "credential store is not configured", "", nil)
		return
	}
	user, provider := credentialParams(r)
	s.deps.Credentials.DeleteCredentials(user, provider)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
