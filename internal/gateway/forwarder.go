package gateway

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/streamgate/gateway/internal/backend"
)

const maxCallPayload = 1 << 20

// handleCall forwards one synchronous request/response call scoped to a
// session: POST /data/call/{session_id}/{method}. The call path runs
// independently of the bridge and buffer; concurrent calls against the
// same session interleave freely and are not sequenced.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, rest, ok := s.lookupSession(w, r, "/data/call/")
	if !ok {
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "method name is required")
		return
	}
	method := parts[1]

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallPayload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "read payload: "+err.Error())
		return
	}

	result, err := s.connector.Call(r.Context(), sess.BackendURL, method, payload)
	if err != nil {
		var ce *backend.CallError
		switch {
		case errors.As(err, &ce):
			// Backend-reported errors pass through with their own
			// status, code, and message.
			writeJSON(w, ce.Status, errorEnvelope{Error: errorBody{Code: ce.Code, Message: ce.Message}})
		case errors.Is(err, backend.ErrUnreachable):
			writeError(w, http.StatusBadGateway, "backend_unreachable", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(result)
}
