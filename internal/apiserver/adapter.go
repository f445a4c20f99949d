package apiserver

import (
	"context"
	"time"

	"silexa/devplane/internal/naming"
	"silexa/devplane/internal/orchestrator"
	"silexa/devplane/internal/shellsession"
)

// orchestratorAdapter narrows the broad internal/orchestrator.Orchestrator
// (time.Duration-based Exec, full file/lifecycle surface) down to
// runcontext.Orchestrator (int-seconds Exec, read/write only) so a tool
// executor can run against it without importing the orchestrator package
// directly and creating a cycle.
type orchestratorAdapter struct {
	backend orchestrator.Orchestrator
}

func newOrchestratorAdapter(backend orchestrator.Orchestrator) *orchestratorAdapter {
	return &orchestratorAdapter{backend: backend}
}

func (a *orchestratorAdapter) ReadFile(ctx context.Context, user, project, path string) (string, bool, error) {
	return a.backend.ReadFile(ctx, user, project, path)
}

func (a *orchestratorAdapter) WriteFile(ctx context.Context, user, project, path, content string) error {
	return a.backend.WriteFile(ctx, user, project, path, content)
}

func (a *orchestratorAdapter) Exec(ctx context.Context, user, project string, command []string, timeoutSeconds int) (string, error) {
	return a.backend.Exec(ctx, user, project, command, time.Duration(timeoutSeconds)*time.Second)
}

// shellManagerAdapter bridges shellsession.Manager's synchronous,
// context-free methods (each session id already pins one user/project) to
// runcontext.ShellManager's context-carrying, open-per-call shape. Open
// needs the environment's target resolved ahead of time via the manager's
// own ownership/quota checks; it reuses CreateSession with an empty
// initial command.
type shellManagerAdapter struct {
	mgr *shellsession.Manager
}

func newShellManagerAdapter(mgr *shellsession.Manager) *shellManagerAdapter {
	return &shellManagerAdapter{mgr: mgr}
}

func (a *shellManagerAdapter) Open(ctx context.Context, user, project string) (string, error) {
	rec, err := a.mgr.CreateSession(user, project, "")
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (a *shellManagerAdapter) Write(ctx context.Context, sessionID, data string) error {
	return a.mgr.WriteToSession(sessionID, data)
}

func (a *shellManagerAdapter) Read(ctx context.Context, sessionID string) (string, bool, error) {
	result, err := a.mgr.ReadOutput(sessionID)
	if err != nil {
		return "", false, err
	}
	return result.Output, result.IsEOF, nil
}

func (a *shellManagerAdapter) Close(ctx context.Context, sessionID string) error {
	return a.mgr.CloseSession(sessionID)
}

// OrchestratorEnvLookup implements shellsession.EnvironmentLookup over an
// orchestrator backend's Status call: a shell session's target is the
// environment's deterministic container/pod name (internal/naming), and it
// is only creatable while that environment is running.
type OrchestratorEnvLookup struct {
	Backend orchestrator.Orchestrator
	Mode    naming.Mode
}

func (l OrchestratorEnvLookup) ResolveTarget(user, project string) (string, bool, error) {
	status, err := l.Backend.Status(context.Background(), user, project, "")
	if err != nil {
		return "", false, err
	}
	if !status.Running {
		return "", false, nil
	}
	target, err := naming.ContainerName(l.Mode, user, project)
	if err != nil {
		return "", false, err
	}
	return target, true, nil
}

// OpenProjectOwnership is a permissive shellsession.ProjectOwnership used
// when no external project database is wired: every user is treated as
// owning every project they name. A real deployment supplies its own
// ProjectOwnership backed by that database instead.
type OpenProjectOwnership struct{}

func (OpenProjectOwnership) UserOwnsProject(user, project string) (bool, error) {
	return true, nil
}
