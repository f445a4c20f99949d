package pty

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"silexa/devplane/internal/kubeutil"
)

// kubeSession pairs a streaming exec connection's write side (an io.Pipe
// feeding the remotecommand Stdin stream) with the shared output buffer its
// background reader fills.
type kubeSession struct {
	buf        *buffer
	stdinWrite *io.PipeWriter
	cancel     context.CancelFunc
}

// bufferWriter adapts the mutex-guarded buffer to io.Writer so it can be
// passed directly as the exec stream's Stdout/Stderr sink.
type bufferWriter struct {
	buf *buffer
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	w.buf.append(chunk)
	return len(p), nil
}

// KubernetesBroker implements Broker over the Kubernetes pod-exec streaming
// API. Unlike the Docker raw-socket path, remotecommand multiplexes
// stdout/stderr into the Stream's callback writers itself; this broker
// still runs each session's Stream call in its own goroutine so the reader
// loop discipline (one owner per stream) matches the Docker implementation.
type KubernetesBroker struct {
	client *kubeutil.Client

	mu       sync.Mutex
	sessions map[string]*kubeSession
}

// NewKubernetesBroker constructs a broker bound to a Kubernetes client.
func NewKubernetesBroker(c *kubeutil.Client) *KubernetesBroker {
	return &KubernetesBroker{client: c, sessions: make(map[string]*kubeSession)}
}

// CreateSession opens a streaming pod exec with a TTY attached. target is
// the pod name; the container name defaults to the pod's sole container.
func (b *KubernetesBroker) CreateSession(target string, size Size) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	stdinRead, stdinWrite := io.Pipe()
	buf := newBuffer()

	sessionID := uuid.NewString()
	sess := &kubeSession{buf: buf, stdinWrite: stdinWrite, cancel: cancel}

	b.mu.Lock()
	b.sessions[sessionID] = sess
	b.mu.Unlock()

	go func() {
		defer buf.markEOF()
		defer stdinRead.Close()
		writer := &bufferWriter{buf: buf}
		err := b.client.Exec(ctx, target, kubeutil.ExecOptions{
			Command: []string{"sh"},
			TTY:     true,
		}, stdinRead, writer, writer)
		if err != nil {
			buf.append([]byte(fmt.Sprintf("\n[pty session ended: %v]\n", err)))
		}
	}()

	return sessionID, nil
}

func (b *KubernetesBroker) WriteToPTY(sessionID string, data []byte) error {
	sess, ok := b.get(sessionID)
	if !ok {
		return fmt.Errorf("pty: unknown session %s", sessionID)
	}
	_, err := sess.stdinWrite.Write(data)
	return err
}

func (b *KubernetesBroker) CloseSession(sessionID string) error {
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
	sess.stdinWrite.Close()
	return nil
}

func (b *KubernetesBroker) Read(sessionID string, readOffset int) ([]byte, int, bool, error) {
	sess, ok := b.get(sessionID)
	if !ok {
		return nil, readOffset, false, fmt.Errorf("pty: unknown session %s", sessionID)
	}
	data, offset, eof := sess.buf.readFrom(readOffset)
	return data, offset, eof, nil
}

func (b *KubernetesBroker) get(sessionID string) (*kubeSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	return sess, ok
}
