package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamgate/gateway/internal/backend"
	"github.com/streamgate/gateway/internal/config"
	"github.com/streamgate/gateway/internal/registry"
	"github.com/streamgate/gateway/internal/session"
)

// mathBackend is a stub backend with the reference shape: /rpc/{method}
// math calls and an SSE /stream fed from the frames channel.
type mathBackend struct {
	srv    *httptest.Server
	frames chan string
}

func newMathBackend(t *testing.T) *mathBackend {
	t.Helper()
	mb := &mathBackend{frames: make(chan string)}
	mux := http.NewServeMux()

	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case frame, ok := <-mb.frames:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	mux.HandleFunc("/rpc/", func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimPrefix(r.URL.Path, "/rpc/")
		var payload struct{ A, B float64 }
		json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "add":
			json.NewEncoder(w).Encode(map[string]float64{"result": payload.A + payload.B})
		case "divide":
			if payload.B == 0 {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"code": "division_by_zero", "message": "division by zero"},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]float64{"result": payload.A / payload.B})
		default:
			http.NotFound(w, r)
		}
	})

	mb.srv = httptest.NewServer(mux)
	t.Cleanup(mb.srv.Close)
	return mb
}

type testGateway struct {
	srv   *httptest.Server
	table *session.Table
	reg   *registry.Registry
}

func newTestGateway(t *testing.T, heartbeat time.Duration) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.Session.HeartbeatInterval = heartbeat
	cfg.Session.BufferCapacity = 16

	reg := registry.New()
	connector := backend.NewConnector(2*time.Second, 2*time.Second)
	table := session.NewTable(reg, connector, cfg.Session.BufferCapacity)
	server := NewServer(cfg, reg, table, connector, nil)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		table.Shutdown(ctx)
		srv.Close()
	})

	return &testGateway{srv: srv, table: table, reg: reg}
}

func (g *testGateway) post(t *testing.T, path string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(g.srv.URL+path, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (g *testGateway) register(t *testing.T, name, baseURL string) {
	t.Helper()
	resp := g.post(t, "/control/register", fmt.Sprintf(`{"name":%q,"base_url":%q}`, name, baseURL))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s: status %d", name, resp.StatusCode)
	}
}

func (g *testGateway) connect(t *testing.T, name string) string {
	t.Helper()
	resp := g.post(t, "/data/connect", fmt.Sprintf(`{"server":%q}`, name))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect %s: status %d", name, resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.SessionID == "" {
		t.Fatal("connect returned empty session_id")
	}
	return out.SessionID
}

// sseClient consumes a /data/stream response line by line.
type sseClient struct {
	resp   *http.Response
	lines  *bufio.Scanner
	cancel context.CancelFunc
}

func openSSE(t *testing.T, g *testGateway, sessionID string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, g.srv.URL+"/data/stream/"+sessionID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("open stream: status %d", resp.StatusCode)
	}
	c := &sseClient{resp: resp, lines: bufio.NewScanner(resp.Body), cancel: cancel}
	t.Cleanup(c.close)
	return c
}

func (c *sseClient) close() {
	c.cancel()
	c.resp.Body.Close()
}

// nextLine returns the next non-blank line of the SSE stream.
func (c *sseClient) nextLine(t *testing.T) string {
	t.Helper()
	for c.lines.Scan() {
		if line := c.lines.Text(); line != "" {
			return line
		}
	}
	t.Fatalf("stream ended early: %v", c.lines.Err())
	return ""
}

func waitTableEmpty(t *testing.T, tbl *session.Table) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tbl.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("table still has %d sessions", tbl.Len())
}

func TestEndToEnd(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 15*time.Second)

	g.register(t, "math1", mb.srv.URL)
	sessionID := g.connect(t, "math1")

	stream := openSSE(t, g, sessionID)

	// Backend frames arrive verbatim, in order.
	go func() {
		mb.frames <- `{"event":"progress","step":1}`
		mb.frames <- `{"event":"progress","step":2}`
	}()
	for i := 1; i <= 2; i++ {
		want := fmt.Sprintf(`data: {"event":"progress","step":%d}`, i)
		if got := stream.nextLine(t); got != want {
			t.Errorf("stream line = %q, want %q", got, want)
		}
	}

	// The call path is independent of stream activity.
	resp := g.post(t, "/data/call/"+sessionID+"/add", `{"a":10,"b":5}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call add: status %d", resp.StatusCode)
	}
	var result struct {
		Result float64 `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Result != 15 {
		t.Errorf("add result = %v, want 15", result.Result)
	}

	// Client disconnect drives the session to Closed and out of the table.
	stream.close()
	waitTableEmpty(t, g.table)
}

func TestBackendCompleteEndsStream(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 15*time.Second)

	g.register(t, "math1", mb.srv.URL)
	sessionID := g.connect(t, "math1")
	stream := openSSE(t, g, sessionID)

	go func() {
		mb.frames <- "final"
		close(mb.frames)
	}()

	if got := stream.nextLine(t); got != "data: final" {
		t.Errorf("line = %q, want data: final", got)
	}
	if got := stream.nextLine(t); got != "event: end" {
		t.Errorf("line = %q, want event: end", got)
	}
	if got := stream.nextLine(t); got != `data: {"reason":"backend-complete"}` {
		t.Errorf("line = %q, want backend-complete reason", got)
	}

	waitTableEmpty(t, g.table)
}

func TestHeartbeatOnIdle(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 50*time.Millisecond)

	g.register(t, "math1", mb.srv.URL)
	sessionID := g.connect(t, "math1")
	stream := openSSE(t, g, sessionID)

	// No backend frames: the publisher must keep the transport alive.
	if got := stream.nextLine(t); got != ":" {
		t.Fatalf("line = %q, want heartbeat comment", got)
	}

	// The next data frame still comes through after heartbeats.
	mb.frames <- "after-idle"
	for {
		line := stream.nextLine(t)
		if line == ":" {
			continue
		}
		if line != "data: after-idle" {
			t.Errorf("line = %q, want data: after-idle", line)
		}
		break
	}
}

func TestStreamSessionBusy(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 15*time.Second)

	g.register(t, "math1", mb.srv.URL)
	sessionID := g.connect(t, "math1")
	openSSE(t, g, sessionID)

	resp, err := http.Get(g.srv.URL + "/data/stream/" + sessionID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second attach status = %d, want 409", resp.StatusCode)
	}
}

func TestConnectErrors(t *testing.T) {
	g := newTestGateway(t, 15*time.Second)

	resp := g.post(t, "/data/connect", `{"server":"ghost"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("connect unknown name status = %d, want 404", resp.StatusCode)
	}

	// Registered but dead backend: fail fast, no session registered.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	g.register(t, "dead", deadURL)

	resp2 := g.post(t, "/data/connect", `{"server":"dead"}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadGateway {
		t.Errorf("connect dead backend status = %d, want 502", resp2.StatusCode)
	}
	if got := g.table.Len(); got != 0 {
		t.Errorf("table has %d sessions after failed connects, want 0", got)
	}
}

func TestCallUnknownSession(t *testing.T) {
	g := newTestGateway(t, 15*time.Second)

	resp := g.post(t, "/data/call/no-such-session/add", `{"a":1,"b":2}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("call unknown session status = %d, want 404", resp.StatusCode)
	}

	var body errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "session_not_found" {
		t.Errorf("error code = %q, want session_not_found", body.Error.Code)
	}
	if got := g.table.Len(); got != 0 {
		t.Errorf("table mutated by failed call: %d sessions", got)
	}
}

func TestCallErrorPassthrough(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 15*time.Second)

	g.register(t, "math1", mb.srv.URL)
	sessionID := g.connect(t, "math1")

	resp := g.post(t, "/data/call/"+sessionID+"/divide", `{"a":1,"b":0}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("divide by zero status = %d, want 400", resp.StatusCode)
	}

	var body errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "division_by_zero" || body.Error.Message != "division by zero" {
		t.Errorf("error = %+v, want backend code/message passed through", body.Error)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 15*time.Second)

	g.register(t, "math1", mb.srv.URL)
	resp := g.post(t, "/control/register", fmt.Sprintf(`{"name":"math1","base_url":%q}`, mb.srv.URL))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate register status = %d, want 400", resp.StatusCode)
	}
}

func TestUnregisterCancelsSessions(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 15*time.Second)

	g.register(t, "math1", mb.srv.URL)
	sessionID := g.connect(t, "math1")
	stream := openSSE(t, g, sessionID)

	resp := g.post(t, "/control/unregister", `{"name":"math1"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unregister status = %d", resp.StatusCode)
	}

	if got := stream.nextLine(t); got != "event: end" {
		t.Errorf("line = %q, want event: end", got)
	}
	if got := stream.nextLine(t); got != `data: {"reason":"client-cancel"}` {
		t.Errorf("line = %q, want client-cancel reason", got)
	}
	waitTableEmpty(t, g.table)
}

func TestWSStream(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 15*time.Second)

	g.register(t, "math1", mb.srv.URL)
	sessionID := g.connect(t, "math1")

	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/data/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	go func() {
		mb.frames <- "ws-frame"
		close(mb.frames)
	}()

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msg.Type != MsgFrame || msg.Payload != "ws-frame" {
		t.Errorf("message = %+v, want frame ws-frame", msg)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read end: %v", err)
	}
	if msg.Type != MsgEnd || msg.Reason != session.ReasonBackendComplete {
		t.Errorf("message = %+v, want end backend-complete", msg)
	}

	waitTableEmpty(t, g.table)
}

func TestHealthEndpoint(t *testing.T) {
	mb := newMathBackend(t)
	g := newTestGateway(t, 15*time.Second)

	g.register(t, "math1", mb.srv.URL)
	g.connect(t, "math1")

	resp, err := http.Get(g.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snap struct {
		Sessions          int `json:"sessions"`
		RegisteredServers int `json:"registeredServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Sessions != 1 {
		t.Errorf("health sessions = %d, want 1", snap.Sessions)
	}
	if snap.RegisteredServers != 1 {
		t.Errorf("health registeredServers = %d, want 1", snap.RegisteredServers)
	}
}
