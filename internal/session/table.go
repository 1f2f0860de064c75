package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-uuid"

	"github.com/streamgate/gateway/internal/backend"
)

// ErrNameNotFound reports a connect against an unregistered backend name.
var ErrNameNotFound = errors.New("backend name not found")

// Resolver looks up the base URL for a registered backend name. The
// control-plane registry satisfies this; the table calls it exactly once
// per session, at creation.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// Table is the gateway's session book: id -> live Session. It is the
// only structure mutated by more than one goroutine, so every operation
// takes the table lock.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	resolver  Resolver
	connector *backend.Connector
	capacity  int

	// dropped frames of already-closed sessions; live sessions are
	// summed on demand.
	closedDrops atomic.Uint64
}

func NewTable(resolver Resolver, connector *backend.Connector, bufferCapacity int) *Table {
	return &Table{
		sessions:  make(map[string]*Session),
		resolver:  resolver,
		connector: connector,
		capacity:  bufferCapacity,
	}
}

// Connect creates a session bound to the named backend: resolves the
// name, synchronously opens the backend stream (an unreachable backend
// fails here, before any session is registered), then starts the bridge
// and returns the session. The probe is bounded by the connector's
// header timeout, not by the caller's request context, because the
// stream must outlive the connect request.
func (t *Table) Connect(name string) (*Session, error) {
	baseURL, ok := t.resolver.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := t.connector.OpenStream(ctx, baseURL)
	if err != nil {
		cancel()
		return nil, err
	}

	s := newSession(id, name, baseURL, t.capacity, cancel)

	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()

	go t.runBridge(ctx, s, stream)

	return s, nil
}

// Lookup returns the live session for id.
func (t *Table) Lookup(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove deletes id from the table. Removing an absent id is a no-op:
// the disconnect and backend-failure paths may race to remove the same
// session.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// CancelServer cancels every live session bound to the named backend.
// Used when the backend is unregistered from the control plane. Returns
// how many sessions were cancelled.
func (t *Table) CancelServer(name string) int {
	t.mu.RLock()
	var targets []*Session
	for _, s := range t.sessions {
		if s.Server == name {
			targets = append(targets, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range targets {
		s.Cancel()
	}
	return len(targets)
}

// DroppedFrames returns the cumulative overflow-evicted frame count
// across all sessions, closed and live.
func (t *Table) DroppedFrames() uint64 {
	total := t.closedDrops.Load()
	t.mu.RLock()
	for _, s := range t.sessions {
		total += s.Buffer.Dropped()
	}
	t.mu.RUnlock()
	return total
}

// Shutdown cancels every session and waits for the bridges to stop,
// bounded by ctx.
func (t *Table) Shutdown(ctx context.Context) {
	t.mu.RLock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()

	for _, s := range sessions {
		s.Cancel()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}
}
