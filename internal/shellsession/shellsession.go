// Package shellsession is the policy layer over internal/pty (spec §4.G):
// per-user/per-project quotas, idle reaping, hard kill, and batched stats
// flushing on top of the PTY broker's raw session lifecycle.
package shellsession

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"silexa/devplane/internal/pty"
)

const (
	MaxSessionsPerUser    = 5
	MaxSessionsPerProject = 3
	IdleTimeout           = 30 * time.Minute
	HardKillTimeout       = 8 * time.Hour
)

// State is a ShellSessionRecord's lifecycle state.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// Record is the persisted/queryable view of one shell session.
type Record struct {
	ID           string
	User         string
	Project      string
	Target       string // container/pod name
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	ClosedAt     time.Time
	BytesIn      int64
	BytesOut     int64
	readOffset   int
	brokerID     string
}

// TooManySessionsError is returned when a user or project is at its
// concurrent-session cap; it lists the existing session ids so the caller
// can reuse one instead of opening another.
type TooManySessionsError struct {
	Scope      string // "user" or "project"
	ExistingIDs []string
}

func (e *TooManySessionsError) Error() string {
	return fmt.Sprintf("too-many-sessions: %s already has %d active session(s): %v", e.Scope, len(e.ExistingIDs), e.ExistingIDs)
}

// EnvNotRunningError surfaces when the target environment isn't running.
type EnvNotRunningError struct {
	User, Project string
}

func (e *EnvNotRunningError) Error() string {
	return fmt.Sprintf("env-not-running: %s/%s", e.User, e.Project)
}

// ProjectOwnership verifies a user owns a project (external contract).
type ProjectOwnership interface {
	UserOwnsProject(user, project string) (bool, error)
}

// EnvironmentLookup resolves the running container/pod name for a project
// and reports whether its environment is currently running.
type EnvironmentLookup interface {
	ResolveTarget(user, project string) (target string, running bool, err error)
}

// IDGenerator produces new session ids; overridable in tests.
type IDGenerator func() string

// Manager is the shell session policy layer.
type Manager struct {
	broker pty.Broker
	owner  ProjectOwnership
	envs   EnvironmentLookup
	newID  IDGenerator

	mu       sync.Mutex
	active   map[string]*Record
	now      func() time.Time
}

// NewManager constructs a Manager. now defaults to time.Now; tests override
// it to exercise idle-reap deterministically.
func NewManager(broker pty.Broker, owner ProjectOwnership, envs EnvironmentLookup, newID IDGenerator) *Manager {
	return &Manager{
		broker: broker,
		owner:  owner,
		envs:   envs,
		newID:  newID,
		active: make(map[string]*Record),
		now:    time.Now,
	}
}

// SetClock overrides the manager's time source (tests only).
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CreateSession implements spec §4.G create_session.
func (m *Manager) CreateSession(user, project, command string) (*Record, error) {
	if m.owner != nil {
		ok, err := m.owner.UserOwnsProject(user, project)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("permission-denied: %s does not own %s", user, project)
		}
	}

	m.mu.Lock()
	userSessions, projectSessions := m.activeIDsLocked(user, project)
	if len(userSessions) >= MaxSessionsPerUser {
		m.mu.Unlock()
		return nil, &TooManySessionsError{Scope: "user", ExistingIDs: userSessions}
	}
	if len(projectSessions) >= MaxSessionsPerProject {
		m.mu.Unlock()
		return nil, &TooManySessionsError{Scope: "project", ExistingIDs: projectSessions}
	}
	m.mu.Unlock()

	target, running, err := m.envs.ResolveTarget(user, project)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, &EnvNotRunningError{User: user, Project: project}
	}

	sessionID, err := m.broker.CreateSession(target, pty.Size{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("shellsession: create broker session: %w", err)
	}

	id := sessionID
	if m.newID != nil {
		id = m.newID()
	}
	now := m.now()
	rec := &Record{
		ID:           id,
		User:         user,
		Project:      project,
		Target:       target,
		State:        StateActive,
		CreatedAt:    now,
		LastActivity: now,
		brokerID:     sessionID,
	}

	m.mu.Lock()
	m.active[id] = rec
	m.mu.Unlock()

	if command != "" {
		if err := m.WriteToSession(id, command+"\n"); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// resolveBrokerID maps our public session id to the broker's own session
// id, since CreateSession's IDGenerator may mint ids distinct from the
// broker's.
func (m *Manager) resolveBrokerID(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[id]
	if !ok {
		return "", false
	}
	return rec.brokerID, true
}

func (m *Manager) activeIDsLocked(user, project string) ([]string, []string) {
	var userIDs, projectIDs []string
	for id, rec := range m.active {
		if rec.State != StateActive {
			continue
		}
		if rec.User == user {
			userIDs = append(userIDs, id)
		}
		if rec.User == user && rec.Project == project {
			projectIDs = append(projectIDs, id)
		}
	}
	return userIDs, projectIDs
}

// WriteToSession validates existence, forwards to the broker, and updates
// in-memory stats (read in bulk by AllActiveStats).
func (m *Manager) WriteToSession(id string, data string) error {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok || rec.State != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("shellsession: unknown or closed session %s", id)
	}
	rec.LastActivity = m.now()
	rec.BytesIn += int64(len(data))
	m.mu.Unlock()

	brokerID, _ := m.resolveBrokerID(id)
	if brokerID == "" {
		brokerID = id
	}
	return m.broker.WriteToPTY(brokerID, []byte(data))
}

// ReadOutputResult is the shell session transport shape (spec §6): output
// is base64-encoded for JSON safety.
type ReadOutputResult struct {
	Output string `json:"output"`
	Bytes  int    `json:"bytes"`
	IsEOF  bool   `json:"is_eof"`
}

// ReadOutput returns bytes written since the session's read offset.
func (m *Manager) ReadOutput(id string) (ReadOutputResult, error) {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return ReadOutputResult{}, fmt.Errorf("shellsession: unknown session %s", id)
	}
	offset := rec.readOffset
	m.mu.Unlock()

	brokerID, _ := m.resolveBrokerID(id)
	if brokerID == "" {
		brokerID = id
	}
	data, newOffset, isEOF, err := m.broker.Read(brokerID, offset)
	if err != nil {
		return ReadOutputResult{}, err
	}

	m.mu.Lock()
	if r, ok := m.active[id]; ok {
		r.readOffset = newOffset
		r.BytesOut += int64(len(data))
	}
	m.mu.Unlock()

	return ReadOutputResult{
		Output: base64.StdEncoding.EncodeToString(data),
		Bytes:  len(data),
		IsEOF:  isEOF,
	}, nil
}

// CloseSession closes the broker session and marks the record closed.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	rec.State = StateClosed
	rec.ClosedAt = m.now()
	delete(m.active, id)
	m.mu.Unlock()

	brokerID, _ := m.resolveBrokerID(id)
	if brokerID == "" {
		brokerID = id
	}
	return m.broker.CloseSession(brokerID)
}

// ListSessions returns active records for user, optionally filtered by
// project.
func (m *Manager) ListSessions(user, project string) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.active {
		if rec.User != user {
			continue
		}
		if project != "" && rec.Project != project {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// StatSnapshot is one session's point-in-time byte counters, returned by
// AllActiveStats for a bulk flush.
type StatSnapshot struct {
	ID       string
	User     string
	Project  string
	BytesIn  int64
	BytesOut int64
}

// AllActiveStats returns a byte-counter snapshot for every active session,
// regardless of owner, for a process-wide stats flush.
func (m *Manager) AllActiveStats() []StatSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StatSnapshot, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, StatSnapshot{
			ID:       rec.ID,
			User:     rec.User,
			Project:  rec.Project,
			BytesIn:  rec.BytesIn,
			BytesOut: rec.BytesOut,
		})
	}
	return out
}

// CleanupIdleSessions closes every active session whose last activity is
// older than IdleTimeout, and separately force-closes anything past
// HardKillTimeout regardless of recent activity. Returns the closed ids.
func (m *Manager) CleanupIdleSessions() []string {
	now := m.now()
	m.mu.Lock()
	var toClose []string
	for id, rec := range m.active {
		idleFor := now.Sub(rec.LastActivity)
		ageFor := now.Sub(rec.CreatedAt)
		if idleFor >= IdleTimeout || ageFor >= HardKillTimeout {
			toClose = append(toClose, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toClose {
		_ = m.CloseSession(id)
	}
	return toClose
}
