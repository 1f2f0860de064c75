// mathserver is a sample backend for the gateway: four math RPC methods
// and an SSE stream emitting incremental progress events. Useful for
// demos and for exercising the gateway end to end:
//
//	mathserver -port 9000
//	curl -X POST localhost:8080/control/register \
//	     -d '{"name":"math1","base_url":"http://localhost:9000"}'
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type mathPayload struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func writeResult(w http.ResponseWriter, v float64) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]float64{"result": v})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var p mathPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_payload", err.Error())
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/rpc/") {
	case "add":
		writeResult(w, p.A+p.B)
	case "subtract":
		writeResult(w, p.A-p.B)
	case "multiply":
		writeResult(w, p.A*p.B)
	case "divide":
		if p.B == 0 {
			writeError(w, http.StatusBadRequest, "division_by_zero", "division by zero")
			return
		}
		writeResult(w, p.A/p.B)
	default:
		writeError(w, http.StatusNotFound, "unknown_method", "unknown method")
	}
}

// handleStream emits n progress events, one every interval, then a
// final done event.
func handleStream(interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		n := 5
		if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
			n = v
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher.Flush()

		for i := 1; i <= n; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(interval):
			}
			event := map[string]any{
				"event":     "progress",
				"step":      i,
				"total":     n,
				"timestamp": time.Now().Unix(),
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		final, _ := json.Marshal(map[string]any{"event": "done", "timestamp": time.Now().Unix()})
		fmt.Fprintf(w, "data: %s\n\n", final)
		flusher.Flush()
	}
}

func main() {
	port := flag.Int("port", 9000, "Listen port")
	interval := flag.Duration("interval", 800*time.Millisecond, "Delay between stream events")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/", handleRPC)
	mux.HandleFunc("/stream", handleStream(*interval))

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Math server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
