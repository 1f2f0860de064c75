package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// ErrUnreachable marks transport-level failures talking to a backend:
// the stream could not be opened or a call never reached the server.
var ErrUnreachable = errors.New("backend unreachable")

// CallError is a structured error reported by a backend's RPC surface.
// Code and message are passed through to the gateway client verbatim.
type CallError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("backend call failed (%s): %s", e.Code, e.Message)
}

// Connector opens streaming reads and request/response calls against
// backend servers. One Connector is shared by all sessions; it holds no
// per-session state beyond the open connections themselves.
type Connector struct {
	streamClient *http.Client
	callClient   *http.Client
}

// NewConnector builds a Connector. probeTimeout bounds how long a stream
// open may wait for backend response headers; callTimeout bounds a whole
// RPC round-trip. The stream body itself has no deadline: a session
// stream stays open until either side terminates it.
func NewConnector(probeTimeout, callTimeout time.Duration) *Connector {
	streamTransport := cleanhttp.DefaultPooledTransport()
	streamTransport.ResponseHeaderTimeout = probeTimeout

	callClient := cleanhttp.DefaultClient()
	callClient.Timeout = callTimeout

	return &Connector{
		streamClient: &http.Client{Transport: streamTransport},
		callClient:   callClient,
	}
}

// OpenStream starts a streaming read from the backend's /stream endpoint.
// The returned Stream stays open until Close is called, ctx is cancelled,
// or the backend ends the stream. Failure to open reports ErrUnreachable.
func (c *Connector) OpenStream(ctx context.Context, baseURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: stream returned status %d", ErrUnreachable, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Allow moderately large payload lines.
	scanner.Buffer(make([]byte, 0, 4096), 512*1024)

	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Call issues one synchronous RPC to the backend: POST {base}/rpc/{method}
// with a JSON payload. Backend-reported errors come back as *CallError;
// transport failures report ErrUnreachable.
func (c *Connector) Call(ctx context.Context, baseURL, method string, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	url := baseURL + "/rpc/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.callClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read call response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseCallError(resp.StatusCode, body)
	}
	return body, nil
}

func parseCallError(status int, body []byte) *CallError {
	var envelope struct {
		Error CallError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		ce := envelope.Error
		ce.Status = status
		return &ce
	}
	return &CallError{
		Status:  status,
		Code:    "backend_error",
		Message: strings.TrimSpace(string(body)),
	}
}

// Stream is an open streaming read from one backend. It yields the data
// payload of each server-sent event. Safe for a single reader.
type Stream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	closeOnce sync.Once
}

// Next blocks until the next event payload arrives. Returns io.EOF when
// the backend ends the stream cleanly, or the underlying read error
// (including context cancellation) otherwise.
func (s *Stream) Next() ([]byte, error) {
	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// event:/id:/retry: fields are ignored; payloads are opaque here.
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return []byte(strings.Join(data, "\n")), nil
	}
	return nil, io.EOF
}

// Close releases the underlying connection. Safe to call more than once
// and concurrently with Next; a blocked Next unblocks with an error.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.body.Close()
	})
}
