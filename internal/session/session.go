package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy reports a second concurrent stream attach: a session serves a
// single consuming client at a time.
var ErrBusy = errors.New("session already has an attached stream")

// Session binds one client to one backend target for both the stream
// and the call path. The table owns creation and removal; the bridge
// and publisher only hold references and must not outlive cancellation.
type Session struct {
	ID         string
	Server     string // registered backend name resolved at creation
	BackendURL string // resolved once; later registry changes don't apply
	Buffer     *Buffer
	StartedAt  time.Time

	cancel context.CancelFunc
	done   chan struct{} // closed once the bridge has fully stopped

	mu       sync.Mutex
	state    State
	attached bool
}

func newSession(id, server, backendURL string, capacity int, cancel context.CancelFunc) *Session {
	return &Session{
		ID:         id,
		Server:     server,
		BackendURL: backendURL,
		Buffer:     NewBuffer(capacity),
		StartedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      Connecting,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState advances the lifecycle. Transitions only move forward;
// a late Streaming update cannot resurrect a Closing session.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if st > s.state {
		s.state = st
	}
	s.mu.Unlock()
}

// beginClose enters Closing and ends the buffer with reason. The first
// caller wins; the race between client disconnect and backend failure
// is expected.
func (s *Session) beginClose(reason EndReason) {
	s.setState(Closing)
	s.Buffer.Close(reason)
}

// Cancel signals the bridge to stop. Idempotent; safe from any goroutine.
func (s *Session) Cancel() {
	s.cancel()
}

// Attach claims the session's single publisher slot.
func (s *Session) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return ErrBusy
	}
	s.attached = true
	return nil
}

// Detach releases the publisher slot so a later client may re-attach.
func (s *Session) Detach() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

// Done is closed once the bridge has stopped and the backend stream
// handle is released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
