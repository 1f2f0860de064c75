package session

import (
	"encoding/json"
)

// State is the lifecycle phase of a session.
type State int

const (
	Connecting State = iota // backend stream not yet confirmed open
	Streaming               // bridge attached, frames flowing
	Closing                 // teardown triggered, bridge winding down
	Closed                  // terminal; session removed from the table
)

var stateNames = map[State]string{
	Connecting: "connecting",
	Streaming:  "streaming",
	Closing:    "closing",
	Closed:     "closed",
}

var stateFromName = map[string]State{
	"connecting": Connecting,
	"streaming":  Streaming,
	"closing":    Closing,
	"closed":     Closed,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// EndReason records why a session's stream terminated. It is delivered
// to the client in the final end-of-stream event.
type EndReason string

const (
	ReasonBackendComplete EndReason = "backend-complete" // backend ended the stream cleanly
	ReasonBackendError    EndReason = "backend-error"    // backend stream failed mid-flight
	ReasonClientCancel    EndReason = "client-cancel"    // client disconnect or external cancellation
)
