package session

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/streamgate/gateway/internal/backend"
)

// runBridge moves frames from the backend stream into the session's
// buffer until the stream ends, errors, or the session is cancelled.
// One bridge per session; it is the sole driver of Connecting->Streaming
// and of backend-initiated teardown. On every exit path the stream
// handle is released before the session is marked Closed and removed.
func (t *Table) runBridge(ctx context.Context, s *Session, stream *backend.Stream) {
	// Unblock a stream read that is in flight when cancellation lands.
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	defer func() {
		stream.Close()
		s.setState(Closed)
		t.Remove(s.ID)
		t.closedDrops.Add(s.Buffer.Dropped())
		s.cancel() // release the context even on backend-initiated exits
		close(s.done)
	}()

	s.setState(Streaming)

	for {
		frame, err := stream.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.beginClose(ReasonClientCancel)
			case errors.Is(err, io.EOF):
				s.beginClose(ReasonBackendComplete)
			default:
				log.Printf("session %s: backend stream error: %v", s.ID, err)
				s.beginClose(ReasonBackendError)
			}
			return
		}

		// Observe cancellation between reads even if the backend
		// keeps producing.
		if ctx.Err() != nil {
			s.beginClose(ReasonClientCancel)
			return
		}

		s.Buffer.Put(frame)
	}
}
