package pty

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/google/uuid"

	"silexa/devplane/internal/dockerutil"
)

// dockerSession is one live exec'd PTY inside a container.
type dockerSession struct {
	buf    *buffer
	conn   types.HijackedResponse
	execID string
	cancel context.CancelFunc
}

// DockerBroker implements Broker on top of Docker exec with a TTY attached.
type DockerBroker struct {
	client *dockerutil.Client

	mu       sync.Mutex
	sessions map[string]*dockerSession
}

// NewDockerBroker constructs a broker bound to a Docker client.
func NewDockerBroker(c *dockerutil.Client) *DockerBroker {
	return &DockerBroker{client: c, sessions: make(map[string]*dockerSession)}
}

// CreateSession execs an interactive shell with a TTY in the target
// container. TERM is set to xterm-256color and the TTY is resized to size
// before the background reader starts, per spec: resizing before start
// avoids a "cannot resize stopped exec" error.
func (b *DockerBroker) CreateSession(target string, size Size) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	conn, execID, err := b.client.ExecCreatePTY(ctx, target, []string{"sh"}, []string{"TERM=xterm-256color"}, "/app", uint(size.Rows), uint(size.Cols))
	if err != nil {
		cancel()
		return "", fmt.Errorf("pty: create docker exec: %w", err)
	}

	sessionID := uuid.NewString()
	sess := &dockerSession{buf: newBuffer(), conn: conn, execID: execID, cancel: cancel}

	b.mu.Lock()
	b.sessions[sessionID] = sess
	b.mu.Unlock()

	go b.readLoop(sessionID, sess)
	return sessionID, nil
}

// readLoop continuously drains the hijacked connection's raw socket into
// the session's buffer until EOF or cancellation. Exactly one goroutine per
// session owns this socket.
func (b *DockerBroker) readLoop(sessionID string, sess *dockerSession) {
	defer sess.buf.markEOF()
	chunk := make([]byte, 32*1024)
	for {
		n, err := sess.conn.Reader.Read(chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			sess.buf.append(data)
		}
		if err != nil {
			return
		}
	}
}

func (b *DockerBroker) WriteToPTY(sessionID string, data []byte) error {
	sess, ok := b.get(sessionID)
	if !ok {
		return fmt.Errorf("pty: unknown session %s", sessionID)
	}
	_, err := sess.conn.Conn.Write(data)
	return err
}

func (b *DockerBroker) CloseSession(sessionID string) error {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	sess.cancel()
	sess.conn.Close()
	return nil
}

func (b *DockerBroker) Read(sessionID string, readOffset int) ([]byte, int, bool, error) {
	sess, ok := b.get(sessionID)
	if !ok {
		return nil, readOffset, false, fmt.Errorf("pty: unknown session %s", sessionID)
	}
	data, offset, eof := sess.buf.readFrom(readOffset)
	return data, offset, eof, nil
}

func (b *DockerBroker) get(sessionID string) (*dockerSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	return sess, ok
}
