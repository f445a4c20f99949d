// Package orchestrator defines the uniform environment-orchestrator
// contract (spec §4.H) implemented by the Docker+Traefik and Kubernetes
// back-ends, plus the shared status/error vocabulary both speak.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of one environment.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

var (
	ErrImageBuildFailed = errors.New("image-build-failed")
	ErrStartupTimeout   = errors.New("startup-timeout")
	ErrMissingFiles     = errors.New("missing-files")
	ErrEnvNotRunning    = errors.New("env-not-running")
	ErrExecTimeout      = errors.New("timeout")
	ErrDisconnected     = errors.New("disconnected")
)

// StartOptions carries start_container's optional overrides.
type StartOptions struct {
	ProjectPath string
	Slug        string
	StartCmd    string
	Port        int
}

// Status is the structured return of the status operation.
type Status struct {
	State     State
	Running   bool
	URL       string
	Hostname  string
	Health    string
	StartedAt time.Time
	Replicas  int
	Pods      []string
}

// FileEntry is one row of a list/glob/grep result.
type FileEntry struct {
	Path  string
	IsDir bool
	Size  int64
	Line  int    // grep only; 0 when not applicable
	Match string // grep only
}

// Orchestrator is the uniform contract every back-end implements. Every
// method is scoped to one (user, project) environment except CleanupIdle.
type Orchestrator interface {
	StartContainer(ctx context.Context, user, project string, opts StartOptions) (url string, err error)
	StopContainer(ctx context.Context, user, project string) error
	RestartContainer(ctx context.Context, user, project string, opts StartOptions) (url string, err error)
	Status(ctx context.Context, user, project, slug string) (Status, error)

	Exec(ctx context.Context, user, project string, command []string, timeout time.Duration) (combinedOutput string, err error)

	ReadFile(ctx context.Context, user, project, path string) (content string, found bool, err error)
	WriteFile(ctx context.Context, user, project, path, content string) error
	DeleteFile(ctx context.Context, user, project, path string) error
	ListFiles(ctx context.Context, user, project, path string) ([]FileEntry, error)
	Glob(ctx context.Context, user, project, pattern string) ([]FileEntry, error)
	Grep(ctx context.Context, user, project, pattern string) ([]FileEntry, error)

	TrackActivity(user, project string)
	CleanupIdle(ctx context.Context, idle time.Duration) ([]string, error)
}

// ExecNonZeroError wraps a non-zero exec exit inside the environment; the
// combined stdout+stderr is preserved so callers (git manager, tools) can
// surface it verbatim.
type ExecNonZeroError struct {
	Command  []string
	ExitCode int
	Output   string
}

func (e *ExecNonZeroError) Error() string {
	return fmt.Sprintf("exec %v: exit status %d", e.Command, e.ExitCode)
}
