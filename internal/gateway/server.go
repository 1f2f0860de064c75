package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/streamgate/gateway/internal/backend"
	"github.com/streamgate/gateway/internal/config"
	"github.com/streamgate/gateway/internal/health"
	"github.com/streamgate/gateway/internal/registry"
	"github.com/streamgate/gateway/internal/session"
)

// Server exposes the gateway over HTTP: a control plane for backend
// registration and a data plane for sessions, streams, and forwarded
// calls.
type Server struct {
	cfg       *config.Config
	registry  *registry.Registry
	table     *session.Table
	connector *backend.Connector
	probe     *health.Probe // nil disables process stats in /api/health
}

func NewServer(cfg *config.Config, reg *registry.Registry, table *session.Table, connector *backend.Connector, probe *health.Probe) *Server {
	return &Server{
		cfg:       cfg,
		registry:  reg,
		table:     table,
		connector: connector,
		probe:     probe,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/control/register", s.handleRegister)
	mux.HandleFunc("/control/unregister", s.handleUnregister)
	mux.HandleFunc("/control/list", s.handleList)
	mux.HandleFunc("/data/connect", s.handleConnect)
	mux.HandleFunc("/data/stream/", s.handleStream)
	mux.HandleFunc("/data/ws/", s.handleWSStream)
	mux.HandleFunc("/data/call/", s.handleCall)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name    string            `json:"name"`
		BaseURL string            `json:"base_url"`
		Meta    map[string]string `json:"meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name and base_url are required")
		return
	}

	if err := s.registry.Register(req.Name, req.BaseURL, req.Meta); err != nil {
		writeError(w, http.StatusBadRequest, "already_registered", err.Error())
		return
	}

	log.Printf("registered backend %q at %s", req.Name, req.BaseURL)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "registered": req.Name})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}

	if !s.registry.Unregister(req.Name) {
		writeError(w, http.StatusNotFound, "name_not_found", "not registered: "+req.Name)
		return
	}

	// Sessions bound to the unregistered backend are torn down; their
	// clients see a client-cancel end event.
	cancelled := s.table.CancelServer(req.Name)
	log.Printf("unregistered backend %q, cancelled %d sessions", req.Name, cancelled)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"unregistered":      req.Name,
		"cancelledSessions": cancelled,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.registry.List()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Server string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Server == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "server is required")
		return
	}

	sess, err := s.table.Connect(req.Server)
	switch {
	case errors.Is(err, session.ErrNameNotFound):
		writeError(w, http.StatusNotFound, "name_not_found", err.Error())
		return
	case errors.Is(err, backend.ErrUnreachable):
		writeError(w, http.StatusBadGateway, "backend_unreachable", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	log.Printf("session %s connected to backend %q", sess.ID, sess.Server)
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sess.ID,
		"server":     sess.Server,
	})
}

// lookupSession resolves the session id embedded in an URL path like
// /data/stream/{id}. Writes the error response itself on failure.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request, prefix string) (*session.Session, string, bool) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	id, err := url.PathUnescape(strings.SplitN(rest, "/", 2)[0])
	if err != nil || id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid session id")
		return nil, "", false
	}

	sess, ok := s.table.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found", "unknown session: "+id)
		return nil, "", false
	}
	return sess, rest, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.lookupSession(w, r, "/data/stream/")
	if !ok {
		return
	}

	if err := sess.Attach(); err != nil {
		writeError(w, http.StatusConflict, "session_busy", err.Error())
		return
	}
	defer sess.Detach()

	s.publishSSE(w, r, sess)
}

func (s *Server) handleWSStream(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.lookupSession(w, r, "/data/ws/")
	if !ok {
		return
	}

	if err := sess.Attach(); err != nil {
		writeError(w, http.StatusConflict, "session_busy", err.Error())
		return
	}
	defer sess.Detach()

	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("ws stream client attached to session %s: %s", sess.ID, r.RemoteAddr)
	s.publishWS(conn, sess)
	log.Printf("ws stream client detached from session %s", sess.ID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var snap health.Snapshot
	if s.probe != nil {
		snap = s.probe.Snapshot()
	}
	snap.Sessions = s.table.Len()
	snap.RegisteredServers = s.registry.Len()
	snap.DroppedFrames = s.table.DroppedFrames()
	writeJSON(w, http.StatusOK, snap)
}

// checkOrigin admits same-host and localhost websocket clients. Browser
// origin hygiene only; the gateway carries no auth by design.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}
