package gateway

import (
	"github.com/streamgate/gateway/internal/session"
)

// MessageType tags frames on the websocket stream transport.
type MessageType string

const (
	MsgFrame     MessageType = "frame"
	MsgHeartbeat MessageType = "heartbeat"
	MsgEnd       MessageType = "end"
)

// Message is the websocket envelope for a session stream: data frames,
// idle heartbeats, and the terminal end marker carrying the reason.
type Message struct {
	Type    MessageType       `json:"type"`
	Payload string            `json:"payload,omitempty"`
	Reason  session.EndReason `json:"reason,omitempty"`
}

// errorBody is the JSON error envelope shared by all handlers.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}
