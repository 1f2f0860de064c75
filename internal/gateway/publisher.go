package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/streamgate/gateway/internal/session"
)

// publishSSE drains the session's buffer to one SSE client in FIFO
// order, emitting a comment heartbeat when the stream sits idle past
// the heartbeat interval. A client disconnect cancels the session; the
// publisher never waits for backend completion on that path.
func (s *Server) publishSSE(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ctx := r.Context()
	heartbeat := s.cfg.Session.HeartbeatInterval

	for {
		frame, err := sess.Buffer.Next(ctx, heartbeat)
		switch {
		case err == nil:
			if _, werr := fmt.Fprintf(w, "data: %s\n\n", frame); werr != nil {
				sess.Cancel()
				return
			}
			flusher.Flush()

		case errors.Is(err, session.ErrIdle):
			if _, werr := io.WriteString(w, ":\n\n"); werr != nil {
				sess.Cancel()
				return
			}
			flusher.Flush()

		case errors.Is(err, session.ErrEnded):
			fmt.Fprintf(w, "event: end\ndata: {\"reason\":%q}\n\n", sess.Buffer.Reason())
			flusher.Flush()
			return

		default:
			// Request context done: the client went away.
			sess.Cancel()
			return
		}
	}
}

// publishWS is the websocket flavor of the stream publisher. A reader
// goroutine watches for the client closing its end, since websocket
// close is only observed by reading.
func (s *Server) publishWS(conn *websocket.Conn, sess *session.Session) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sess.Cancel()
				cancel()
				return
			}
		}
	}()

	heartbeat := s.cfg.Session.HeartbeatInterval

	for {
		frame, err := sess.Buffer.Next(ctx, heartbeat)
		switch {
		case err == nil:
			if werr := conn.WriteJSON(Message{Type: MsgFrame, Payload: string(frame)}); werr != nil {
				sess.Cancel()
				return
			}

		case errors.Is(err, session.ErrIdle):
			if werr := conn.WriteJSON(Message{Type: MsgHeartbeat}); werr != nil {
				sess.Cancel()
				return
			}

		case errors.Is(err, session.ErrEnded):
			reason := sess.Buffer.Reason()
			if werr := conn.WriteJSON(Message{Type: MsgEnd, Reason: reason}); werr != nil {
				return
			}
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason))
			if werr := conn.WriteMessage(websocket.CloseMessage, closeMsg); werr != nil {
				log.Printf("session %s: ws close write: %v", sess.ID, werr)
			}
			return

		default:
			// Reader goroutine saw the client disconnect.
			return
		}
	}
}
