package shellsession

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"silexa/devplane/internal/pty"
)

// fakeBroker is an in-memory pty.Broker for tests.
type fakeBroker struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	nextID   int
}

type fakeSession struct {
	data   []byte
	closed bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{sessions: make(map[string]*fakeSession)}
}

func (b *fakeBroker) CreateSession(target string, size pty.Size) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("broker-%d", b.nextID)
	b.sessions[id] = &fakeSession{}
	return id, nil
}

func (b *fakeBroker) WriteToPTY(sessionID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session")
	}
	s.data = append(s.data, data...)
	return nil
}

func (b *fakeBroker) CloseSession(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		s.closed = true
	}
	return nil
}

func (b *fakeBroker) Read(sessionID string, readOffset int) ([]byte, int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, readOffset, false, fmt.Errorf("unknown session")
	}
	if readOffset > len(s.data) {
		readOffset = len(s.data)
	}
	return s.data[readOffset:], len(s.data), false, nil
}

type allowAllOwnership struct{}

func (allowAllOwnership) UserOwnsProject(user, project string) (bool, error) { return true, nil }

type alwaysRunningEnv struct{}

func (alwaysRunningEnv) ResolveTarget(user, project string) (string, bool, error) {
	return "container-" + user + "-" + project, true, nil
}

func newTestManager() *Manager {
	return NewManager(newFakeBroker(), allowAllOwnership{}, alwaysRunningEnv{}, nil)
}

func TestCreateSessionAndReadWrite(t *testing.T) {
	m := newTestManager()
	rec, err := m.CreateSession("u1", "p1", "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateActive {
		t.Fatalf("expected active state, got %s", rec.State)
	}
	if err := m.WriteToSession(rec.ID, "echo hi\n"); err != nil {
		t.Fatal(err)
	}
	out, err := m.ReadOutput(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Output)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != "echo hi\n" {
		t.Fatalf("got %q", decoded)
	}
}

func TestQuotaRejectionListsExistingIDs(t *testing.T) {
	m := newTestManager()
	var ids []string
	for i := 0; i < MaxSessionsPerUser; i++ {
		rec, err := m.CreateSession("u1", fmt.Sprintf("p%d", i), "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	_, err := m.CreateSession("u1", "p-overflow", "")
	if err == nil {
		t.Fatal("expected too-many-sessions error")
	}
	tms, ok := err.(*TooManySessionsError)
	if !ok {
		t.Fatalf("expected *TooManySessionsError, got %T: %v", err, err)
	}
	if len(tms.ExistingIDs) != MaxSessionsPerUser {
		t.Fatalf("expected %d existing ids, got %v", MaxSessionsPerUser, tms.ExistingIDs)
	}
}

func TestPerProjectQuota(t *testing.T) {
	m := newTestManager()
	for i := 0; i < MaxSessionsPerProject; i++ {
		if _, err := m.CreateSession("u1", "shared-project", ""); err != nil {
			t.Fatal(err)
		}
	}
	_, err := m.CreateSession("u1", "shared-project", "")
	if err == nil {
		t.Fatal("expected too-many-sessions error for project cap")
	}
	tms, ok := err.(*TooManySessionsError)
	if !ok || tms.Scope != "project" {
		t.Fatalf("expected project-scoped error, got %+v", err)
	}
}

func TestEnvNotRunningRejected(t *testing.T) {
	m := NewManager(newFakeBroker(), allowAllOwnership{}, stoppedEnv{}, nil)
	_, err := m.CreateSession("u1", "p1", "")
	if err == nil {
		t.Fatal("expected env-not-running error")
	}
	if _, ok := err.(*EnvNotRunningError); !ok {
		t.Fatalf("expected *EnvNotRunningError, got %T", err)
	}
}

type stoppedEnv struct{}

func (stoppedEnv) ResolveTarget(user, project string) (string, bool, error) {
	return "", false, nil
}

func TestCloseSessionRemovesFromActiveMap(t *testing.T) {
	m := newTestManager()
	rec, err := m.CreateSession("u1", "p1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CloseSession(rec.ID); err != nil {
		t.Fatal(err)
	}
	sessions := m.ListSessions("u1", "")
	if len(sessions) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(sessions))
	}
}

func TestCleanupIdleSessionsClosesOnlyStaleOnes(t *testing.T) {
	m := newTestManager()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	fresh, err := m.CreateSession("u1", "p1", "")
	if err != nil {
		t.Fatal(err)
	}
	stale, err := m.CreateSession("u1", "p2", "")
	if err != nil {
		t.Fatal(err)
	}

	// advance 29 minutes: nothing should be reaped yet
	now = base.Add(29 * time.Minute)
	closed := m.CleanupIdleSessions()
	if len(closed) != 0 {
		t.Fatalf("expected no sessions closed at 29 min, got %v", closed)
	}

	// touch "fresh" so only "stale" goes idle past the 30 min mark
	if err := m.WriteToSession(fresh.ID, "x"); err != nil {
		t.Fatal(err)
	}

	now = base.Add(31 * time.Minute)
	closed = m.CleanupIdleSessions()
	if len(closed) != 1 || closed[0] != stale.ID {
		t.Fatalf("expected only %s closed, got %v", stale.ID, closed)
	}

	remaining := m.ListSessions("u1", "")
	if len(remaining) != 1 || remaining[0].ID != fresh.ID {
		t.Fatalf("expected only fresh session remaining, got %+v", remaining)
	}
}
