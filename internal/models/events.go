package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the wire envelope for both directions of a realtime socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds an outbound frame, marshaling data if present.
func NewFrame(event string, data interface{}) (Frame, error) {
	f := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("marshaling %s frame: %w", event, err)
		}
		f.Data = raw
	}
	return f, nil
}

// Event is the closed set of decoded server→client realtime events.
// Handlers switch over the concrete types exhaustively instead of trusting
// an untyped payload.
type Event interface {
	isEvent()
}

// StatusEvent carries a full session snapshot (answer to getStatus).
type StatusEvent struct {
	State SessionState
}

// StateChangeEvent announces a state machine transition.
type StateChangeEvent struct {
	State     string     `json:"state"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// UnitEvent carries one per-unit outcome (a server finished migrating or
// a host finished being scanned).
type UnitEvent struct {
	Outcome UnitOutcome
}

// OperationChangeEvent announces a change of the current long-running
// operation label.
type OperationChangeEvent struct {
	Operation string `json:"operation"`
}

// ErrorEvent is a server-reported session error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// AckEvent confirms or rejects a client action (start/restart/cancel).
type AckEvent struct {
	Action    string `json:"-"`
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RefreshTokenEvent instructs the client to re-authenticate the live
// connection with a fresh credential.
type RefreshTokenEvent struct{}

func (StatusEvent) isEvent()          {}
func (StateChangeEvent) isEvent()     {}
func (UnitEvent) isEvent()            {}
func (OperationChangeEvent) isEvent() {}
func (ErrorEvent) isEvent()           {}
func (AckEvent) isEvent()             {}
func (RefreshTokenEvent) isEvent()    {}

// Client→server frame names.
const (
	FrameGetStatus = "getStatus"
	FrameStart     = "start"
	FrameRestart   = "restart"
	FrameCancel    = "cancel"
	FrameJoin      = "join"
	FrameAuth      = "auth"
)

// DecodeEvent maps a received frame onto its typed event. Unknown frame
// names are an error so the caller can log and drop them.
func DecodeEvent(f Frame) (Event, error) {
	switch f.Event {
	case "status":
		var state SessionState
		if err := json.Unmarshal(f.Data, &state); err != nil {
			return nil, fmt.Errorf("decoding status: %w", err)
		}
		return StatusEvent{State: state}, nil
	case "stateChange":
		var ev StateChangeEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decoding stateChange: %w", err)
		}
		return ev, nil
	case "event":
		var outcome UnitOutcome
		if err := json.Unmarshal(f.Data, &outcome); err != nil {
			return nil, fmt.Errorf("decoding unit event: %w", err)
		}
		return UnitEvent{Outcome: outcome}, nil
	case "operationChange":
		var ev OperationChangeEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decoding operationChange: %w", err)
		}
		return ev, nil
	case "error":
		var ev ErrorEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decoding error event: %w", err)
		}
		return ev, nil
	case "started", "restarted", "cancelled":
		var ev AckEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s ack: %w", f.Event, err)
		}
		ev.Action = f.Event
		return ev, nil
	case "refreshToken":
		return RefreshTokenEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", f.Event)
	}
}
