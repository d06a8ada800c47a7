// Package wire implements the framed JSON protocol (spec.md §4.G): a
// 4-byte little-endian length prefix followed by a UTF-8 JSON body.
//
// Grounded on the teacher's pkg/events/types.go message-shape idiom
// (tagged kind field, typed payload by command), adapted from the
// teacher's WebSocket text-frame transport to this system's raw
// length-prefixed TCP/Unix framing, since the spec calls for a custom
// byte protocol rather than WebSocket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxFrameBytes is the codec's hard frame-size ceiling (spec.md §4.G).
const MaxFrameBytes = 16 * 1024 * 1024

// Kind is one of the four message kinds.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindHeartbeat    Kind = "heartbeat"
)

// Status is the response outcome.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Command names recognized by the protocol (spec.md §4.G table).
const (
	CmdSpawnAI        = "spawn_ai"
	CmdAICommand      = "ai_command"
	CmdAssignTeam     = "assign_team"
	CmdGetStatus      = "get_status"
	CmdDeleteAI       = "delete_ai"
	CmdBatchOperation = "batch_operation"
	CmdSystemControl  = "system_control"
	CmdHeartbeat      = "heartbeat"
)

// Notification type names (server → client, carried in cmd for uniformity
// with request/response framing even though notifications have no
// request_id).
const (
	NotifyAIStateChange = "ai_state_change"
	NotifyBattleEvent   = "battle_event"
	NotifySystemEvent   = "system_event"
)

// Error kind strings (spec.md §7).
const (
	ErrBadFrame         = "bad_frame"
	ErrUnknownCommand   = "unknown_command"
	ErrMalformedPayload = "malformed_payload"
	ErrBackpressure     = "backpressure"
	ErrRequestTimeout   = "request_timeout"
)

// ErrFrameInvalid wraps every codec-level rejection; the protocol server
// terminates the session when it sees this specific sentinel (as opposed
// to a handler-level error, which only fails the one request).
var ErrFrameInvalid = errors.New("bad_frame")

// Message is the wire-level envelope. Fields follow spec.md §4.G exactly,
// including which are valid for which Kind.
type Message struct {
	Kind      Kind            `json:"kind"`
	Cmd       string          `json:"cmd,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Status    Status          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Validate enforces the mandatory-field rules implied by Kind, returning
// ErrFrameInvalid wrapped with detail on any violation.
func (m Message) Validate() error {
	switch m.Kind {
	case KindRequest:
		if m.Cmd == "" || m.RequestID == "" {
			return fmt.Errorf("%w: request requires cmd and request_id", ErrFrameInvalid)
		}
	case KindResponse:
		if m.RequestID == "" {
			return fmt.Errorf("%w: response requires request_id", ErrFrameInvalid)
		}
		if m.Status != StatusOK && m.Status != StatusError {
			return fmt.Errorf("%w: response requires status ok|error", ErrFrameInvalid)
		}
		if m.Status == StatusError && m.Error == "" {
			return fmt.Errorf("%w: error response requires error field", ErrFrameInvalid)
		}
	case KindNotification:
		if m.Cmd == "" {
			return fmt.Errorf("%w: notification requires cmd", ErrFrameInvalid)
		}
	case KindHeartbeat:
		// no additional required fields
	default:
		return fmt.Errorf("%w: unrecognized kind %q", ErrFrameInvalid, m.Kind)
	}
	return nil
}

// DecodeData unmarshals m.Data into v; returns ErrFrameInvalid on malformed
// JSON so callers can distinguish a codec-level problem from a handler
// rejecting otherwise-valid data.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if !utf8.Valid(m.Data) {
		return fmt.Errorf("%w: data not valid UTF-8", ErrFrameInvalid)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrFrameInvalid, err)
	}
	return nil
}

// NewData marshals v into a Message's Data field.
func NewData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameInvalid, err)
	}
	return b, nil
}
