package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// ErrIdle is returned by Buffer.Next when no frame arrived within the
// idle deadline. The caller is expected to emit a heartbeat and retry.
var ErrIdle = errors.New("buffer idle")

// ErrEnded is returned by Buffer.Next once the buffer is closed and
// drained. The terminal reason is available via Reason.
var ErrEnded = errors.New("stream ended")

// Buffer is a bounded FIFO of opaque frames between one producer (the
// session's bridge) and at most one consumer (the attached publisher).
// When full, the oldest frame is evicted to admit the new one; a live
// stream favors freshness over completeness, so a slow client sees a
// gap rather than stalling the backend.
type Buffer struct {
	mu       sync.Mutex
	frames   *queue.Queue
	capacity int
	dropped  uint64
	closed   bool
	reason   EndReason

	wake chan struct{} // nudges a blocked reader after Put
	done chan struct{} // closed on Close
}

func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		frames:   queue.New(),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Put enqueues a frame, evicting the oldest one if the buffer is full.
// Frames put after Close are discarded.
func (b *Buffer) Put(frame []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.frames.Length() >= b.capacity {
		b.frames.Remove()
		b.dropped++
	}
	b.frames.Add(frame)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a frame is available, the idle deadline elapses
// (ErrIdle), the buffer is closed and drained (ErrEnded), or ctx is
// cancelled. Buffered frames are still delivered in order after Close
// so a closing session does not swallow frames already bridged.
func (b *Buffer) Next(ctx context.Context, idle time.Duration) ([]byte, error) {
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.frames.Length() > 0 {
			frame := b.frames.Remove().([]byte)
			b.mu.Unlock()
			return frame, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return nil, ErrEnded
		}

		select {
		case <-b.wake:
		case <-b.done:
		case <-timer.C:
			return nil, ErrIdle
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the buffer ended with the given reason and wakes any
// blocked reader. Only the first reason sticks; later calls are no-ops.
func (b *Buffer) Close(reason EndReason) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.reason = reason
	b.mu.Unlock()
	close(b.done)
}

// Reason returns the terminal reason set by Close. Zero value until then.
func (b *Buffer) Reason() EndReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// Dropped returns how many frames were evicted by overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames.Length()
}
