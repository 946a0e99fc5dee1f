// ABOUTME: JSON message envelope shared by panel and agents.
// ABOUTME: Provides constructors, parsing, and payload decoding helpers.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope parse errors.
var (
	ErrMissingID      = errors.New("message has no id")
	ErrUnknownType    = errors.New("unknown message type")
	ErrUnknownAction  = errors.New("unknown action")
	ErrMissingPayload = errors.New("action requires a payload")
)

// MessageType discriminates the three envelope kinds.
type MessageType string

// Message types.
const (
	TypeCommand  MessageType = "command"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
)

// valid reports whether t is a known message type.
func (t MessageType) valid() bool {
	switch t {
	case TypeCommand, TypeResponse, TypeEvent:
		return true
	}
	return false
}

// ErrorDetail carries an agent-reported error code and message verbatim.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the wire representation of every panel-agent message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Action    Action          `json:"action,omitempty"`
	ServerID  string          `json:"server_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Success   *bool           `json:"success,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
}

// NewCommand builds a command envelope with the given correlation id.
// A nil payload is allowed for actions that carry none.
func NewCommand(id string, action Action, serverID string, payload any) (*Envelope, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	env := &Envelope{
		ID:        id,
		Type:      TypeCommand,
		Action:    action,
		ServerID:  serverID,
		Timestamp: time.Now().UTC(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		env.Payload = raw
	}

	return env, nil
}

// NewResponse builds a successful response echoing the command id.
func NewResponse(id string, payload any) (*Envelope, error) {
	ok := true
	env := &Envelope{
		ID:        id,
		Type:      TypeResponse,
		Timestamp: time.Now().UTC(),
		Success:   &ok,
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		env.Payload = raw
	}

	return env, nil
}

// NewErrorResponse builds a failed response carrying an agent error.
func NewErrorResponse(id, code, message string) *Envelope {
	failed := false
	return &Envelope{
		ID:        id,
		Type:      TypeResponse,
		Timestamp: time.Now().UTC(),
		Success:   &failed,
		Error:     &ErrorDetail{Code: code, Message: message},
	}
}

// NewAck builds the transport acknowledgment event for a command id.
func NewAck(id string) *Envelope {
	return &Envelope{
		ID:        id,
		Type:      TypeEvent,
		Action:    ActionAck,
		Timestamp: time.Now().UTC(),
	}
}

// Parse decodes and validates a raw wire message.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	if env.ID == "" && env.Type != TypeEvent {
		return nil, ErrMissingID
	}
	if !env.Type.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Type == TypeCommand && !env.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}

	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrMissingPayload
	}
	return json.Unmarshal(e.Payload, v)
}

// IsAck reports whether the envelope is a transport acknowledgment event.
func (e *Envelope) IsAck() bool {
	return e.Type == TypeEvent && e.Action == ActionAck
}

// Failed reports whether the envelope is a response with success=false.
func (e *Envelope) Failed() bool {
	return e.Type == TypeResponse && e.Success != nil && !*e.Success
}
