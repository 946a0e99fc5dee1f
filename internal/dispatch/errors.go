// ABOUTME: Error taxonomy for command submission and resolution.
// ABOUTME: Every command failure a caller can see is one of these.

package dispatch

import (
	"errors"
	"fmt"
)

// Command errors surfaced to callers.
var (
	// ErrUnknownAgent: the target references no registry record. A
	// submission-time error, never a later failure.
	ErrUnknownAgent = errors.New("unknown target agent")

	// ErrAgentUnavailable: the target is marked OFFLINE; no transport
	// attempt is made.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrConnectionLost: the transport dropped while the command was
	// pending. All of an agent's pending commands fail with this at once.
	ErrConnectionLost = errors.New("connection lost")

	// ErrTimeout: no terminal response within the allotted window.
	ErrTimeout = errors.New("command timed out")

	// ErrCancelled: the caller cancelled the command before resolution.
	ErrCancelled = errors.New("command cancelled")

	// ErrConflict: another lifecycle command for the same (agent, server)
	// pair is still in flight.
	ErrConflict = errors.New("conflicting command in flight")

	// ErrNotFound: the referenced command id has no pending entry.
	ErrNotFound = errors.New("command not found")
)

// AgentError carries an agent-reported failure code and message verbatim.
type AgentError struct {
	Code    string
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error %s: %s", e.Code, e.Message)
}
