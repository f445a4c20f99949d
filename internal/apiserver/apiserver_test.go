package apiserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeAuthVerifier struct {
	allow bool
	err   error
}

func (f fakeAuthVerifier) Verify(req AuthRequest) (bool, error) {
	return f.allow, f.err
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return New(deps)
}

func TestHandleReadFileNotFound(t *testing.T) {
	fake := &fakeOrchestrator{}
	s := newTestServer(t, Deps{Orchestrator: fake})

	req := httptest.NewRequest(http.MethodGet, "/api/environments/u1/p1/files?path=missing.txt", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleReadFileFound(t *testing.T) {
	fake := &fakeOrchestrator{}
	s := newTestServer(t, Deps{Orchestrator: fake})

	req := httptest.NewRequest(http.MethodGet, "/api/environments/u1/p1/files?path=a.txt", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleExecRejectsEmptyCommand(t *testing.T) {
	fake := &fakeOrchestrator{}
	s := newTestServer(t, Deps{Orchestrator: fake})

	req := httptest.NewRequest(http.MethodPost, "/api/environments/u1/p1/exec", jsonBody(`{"command":[]}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleExecSuccess(t *testing.T) {
	fake := &fakeOrchestrator{execOut: "ok\n"}
	s := newTestServer(t, Deps{Orchestrator: fake})

	req := httptest.NewRequest(http.MethodPost, "/api/environments/u1/p1/exec", jsonBody(`{"command":["echo","ok"],"timeout_seconds":10}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fake.execTimeout.Seconds() != 10 {
		t.Fatalf("expected a 10s timeout, got %v", fake.execTimeout)
	}
}

func TestHandleAuthVerifyFailsClosedWithNoVerifier(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with no verifier configured, got %d", rec.Code)
	}
}

func TestHandleAuthVerifyForwardsHeadersAndAllows(t *testing.T) {
	var seen AuthRequest
	s := newTestServer(t, Deps{Auth: fakeAuthVerifierFunc(func(req AuthRequest) (bool, error) {
		seen = req
		return true, nil
	})})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	req.Header.Set("X-Expected-User-ID", "u1")
	req.Header.Set("X-Original-URI", "/app/index.html")
	req.Header.Set("X-Forwarded-Host", "u1-p1.devplane.example")
	req.Header.Set("Authorization", "Bearer token123")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen.ExpectedUserID != "u1" || seen.OriginalURI != "/app/index.html" || seen.ForwardedHost != "u1-p1.devplane.example" || seen.Authorization != "Bearer token123" {
		t.Fatalf("headers not forwarded correctly: %+v", seen)
	}
}

func TestHandleAuthVerifyRejectsDenied(t *testing.T) {
	s := newTestServer(t, Deps{Auth: fakeAuthVerifier{allow: false}})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCORSPreflightIsHandled(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/verify", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS header on preflight response")
	}
}

func TestHandleCredentialEndpointsDisabledWithoutStore(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/api/credentials/u1/github/", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no credential store configured, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGitEndpointsDisabledWithoutGit(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/api/environments/u1/p1/git/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no git manager configured, got %d: %s", rec.Code, rec.Body.String())
	}
}

func jsonBody(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

type fakeAuthVerifierFunc func(req AuthRequest) (bool, error)

func (f fakeAuthVerifierFunc) Verify(req AuthRequest) (bool, error) { return f(req) }
