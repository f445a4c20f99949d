// Package apiserver is the HTTP surface binding the control plane's
// internal packages (orchestrator back-ends, git manager, agent factory,
// shell session manager, credential store, tool registry) into one chi
// router (spec §6). It is deliberately thin: every operation it exposes
// just decodes a request, calls the matching package, and re-encodes the
// result or error.
package apiserver

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"silexa/devplane/internal/agent"
	"silexa/devplane/internal/agentfactory"
	"silexa/devplane/internal/credentials"
	"silexa/devplane/internal/gitmanager"
	"silexa/devplane/internal/limiter"
	"silexa/devplane/internal/orchestrator"
	"silexa/devplane/internal/runcontext"
	"silexa/devplane/internal/shellsession"
	"silexa/devplane/internal/tools"
)

// AuthVerifier checks whether a caller is authorized for a project. The
// Server consults it only for the Kubernetes ingress auth subrequest
// (spec §6); the environment and shell endpoints do not call it.
type AuthVerifier interface {
	Verify(req AuthRequest) (bool, error)
}

// AuthRequest carries the four headers the ingress auth subrequest
// forwards (spec §6).
type AuthRequest struct {
	ExpectedUserID string
	OriginalURI    string
	ForwardedHost  string
	Authorization  string
}

// Deps are every external collaborator the Server needs. Credentials and
// Git may be nil: their endpoints then answer 503 while the rest of the
// surface is served. A nil Auth makes the ingress auth check answer 403.
// The environment, shell and agent-run handlers use Orchestrator, Shells
// and Agents without a nil check.
type Deps struct {
	Orchestrator orchestrator.Orchestrator
	Shells       *shellsession.Manager
	Git          func(user, project string) *gitmanager.Manager
	Agents       *agentfactory.Factory
	Model        agent.ModelAdapter
	Tools        *tools.Registry
	Credentials  *credentials.Store
	Projects     runcontext.ProjectLookup
	Auth         AuthVerifier
	Logger       *log.Logger
	// Limiter enforces the process-wide and per-run cost/iteration budgets
	// (spec §4.E) across every agent run. Nil disables enforcement, which
	// callers should only leave unset in tests.
	Limiter *limiter.Limiter
}

// Server owns the chi router and the background tickers (idle reap,
// shell-stats flush).
type Server struct {
	deps      Deps
	logger    *log.Logger
	router    chi.Router
	approvals *pendingApprovals
}

// New builds a Server wired to deps. Call Router to get the http.Handler
// and Start to launch the background tickers.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stdout, "apiserver ", log.LstdFlags|log.LUTC)
	}
	s := &Server{deps: deps, logger: deps.Logger, approvals: newPendingApprovals()}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/api/auth/verify", s.handleAuthVerify)

	r.Route("/api/environments/{user}/{project}", func(r chi.Router) {
		r.Post("/start", s.handleStartEnvironment)
		r.Post("/stop", s.handleStopEnvironment)
		r.Post("/restart", s.handleRestartEnvironment)
		r.Get("/status", s.handleEnvironmentStatus)
		r.Post("/exec", s.handleExec)
		r.Get("/files", s.handleReadFile)
		r.Put("/files", s.handleWriteFile)
		r.Delete("/files", s.handleDeleteFile)
		r.Get("/files/list", s.handleListFiles)
		r.Get("/files/glob", s.handleGlob)
		r.Get("/files/grep", s.handleGrep)

		r.Get("/git/status", s.handleGitStatus)
		r.Post("/git/commit", s.handleGitCommit)
		r.Post("/git/push", s.handleGitPush)
		r.Post("/git/pull", s.handleGitPull)
		r.Get("/git/branches", s.handleGitBranches)
		r.Post("/git/branches", s.handleGitCreateBranch)
		r.Post("/git/checkout", s.handleGitSwitchBranch)
		r.Get("/git/diff", s.handleGitDiff)
		r.Get("/git/log", s.handleGitLog)
	})

	r.Route("/api/shell", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateShellSession)
		r.Post("/sessions/{id}/write", s.handleWriteShellSession)
		r.Get("/sessions/{id}/read", s.handleReadShellSession)
		r.Delete("/sessions/{id}", s.handleCloseShellSession)
		r.Get("/sessions", s.handleListShellSessions)
	})

	r.Route("/api/credentials/{user}/{provider}", func(r chi.Router) {
		r.Put("/", s.handleStoreCredential)
		r.Get("/", s.handleGetCredential)
		r.Delete("/", s.handleDeleteCredential)
	})

	r.Post("/api/agents/{slug}/run", s.handleAgentRun)
	r.Post("/api/agents/approvals/{id}", s.handleSubmitApproval)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Printf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}

// errorResponse is the user-visible failure shape (spec §7): a terse
// message plus an optional suggestion, with internal detail kept out of
// the top-level fields.
type errorResponse struct {
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Details    struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, suggestion string, err error) {
	resp := errorResponse{Message: message, Suggestion: suggestion}
	if err != nil {
		resp.Details.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
