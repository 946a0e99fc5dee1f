// ABOUTME: Closed action set for panel-agent commands and their payloads.
// ABOUTME: Lifecycle classification drives the dispatcher's conflict checks.

package protocol

// Action identifies what an agent is being asked to do.
type Action string

// Command actions. The set is closed; agents reject anything else.
const (
	ActionStartServer   Action = "start_server"
	ActionStopServer    Action = "stop_server"
	ActionRestartServer Action = "restart_server"
	ActionGetStatus     Action = "get_status"

	// ActionAck marks the transport acknowledgment event for a command.
	ActionAck Action = "ack"

	// ActionCancel is the best-effort cancellation notice for a pending
	// command. Agents may ignore it; effects of an already-running action
	// are the agent's responsibility.
	ActionCancel Action = "cancel"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionStartServer, ActionStopServer, ActionRestartServer,
		ActionGetStatus, ActionAck, ActionCancel:
		return true
	}
	return false
}

// Lifecycle reports whether the action mutates a managed server's run state.
// At most one lifecycle command may be in flight per (agent, server) pair;
// overlapping start/stop/restart for the same server would race on the
// agent's container runtime.
func (a Action) Lifecycle() bool {
	switch a {
	case ActionStartServer, ActionStopServer, ActionRestartServer:
		return true
	}
	return false
}

// StopServerPayload is the payload for stop_server commands.
type StopServerPayload struct {
	Signal         string `json:"signal"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StatusPayload is the response payload for agent-level get_status probes.
// Healthy false, or Docker false with transport-level success, marks the
// agent DEGRADED rather than OFFLINE.
type StatusPayload struct {
	Healthy bool              `json:"healthy"`
	Docker  bool              `json:"docker"`
	Servers map[string]string `json:"servers,omitempty"`
}

// ServerStatusPayload is the response payload for per-server get_status.
type ServerStatusPayload struct {
	Status string `json:"status"`
}
