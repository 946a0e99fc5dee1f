// ABOUTME: Command dispatcher correlating requests to responses by command id.
// ABOUTME: Owns the pending table, per-command timeout, and the settle-once guarantee.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthlabs/hearth-panel/internal/protocol"
	"github.com/hearthlabs/hearth-panel/internal/registry"
)

// State is a command's position in its lifecycle.
type State int

// Command states. A command reaches exactly one of the terminal states
// (COMPLETED, FAILED, TIMED_OUT); the timeout timer guarantees no command
// stays PENDING forever.
const (
	StatePending State = iota
	StateAcknowledged
	StateCompleted
	StateFailed
	StateTimedOut
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAcknowledged:
		return "acknowledged"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Command is a caller's request to an agent.
type Command struct {
	// ID is the correlation id; assigned on submit when empty.
	ID            string
	TargetAgentID string
	Action        protocol.Action
	ServerID      string
	Payload       any

	// Timeout overrides the configured default when positive.
	Timeout time.Duration
}

// Result is the single terminal outcome delivered to the caller.
type Result struct {
	CommandID string
	State     State
	Payload   json.RawMessage
	Err       error
}

// Transmitter hands serialized commands to an agent's connection.
type Transmitter interface {
	Send(agentID string, env *protocol.Envelope) error
}

// Targets is the registry surface the dispatcher needs.
type Targets interface {
	Get(agentID string) (*registry.Agent, error)
	Touch(ctx context.Context, agentID string, at time.Time) error
}

// Config holds dispatcher timing.
type Config struct {
	// DefaultTimeout bounds every command without an explicit timeout.
	DefaultTimeout time.Duration
}

// pending is one outstanding command. settled is the exactly-once guard:
// response, timeout, connection loss, and cancellation all race to flip it
// under the dispatcher mutex, and only the winner resolves the result.
type pending struct {
	cmd          Command
	state        State
	timer        *time.Timer
	result       chan Result
	settled      bool
	lifecycleKey string
}

// Dispatcher routes commands to agents and resolves callers exactly once.
type Dispatcher struct {
	targets Targets
	tx      Transmitter
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pending
	inflight map[string]string // lifecycle key -> command id

	onEvent func(agentID string, env *protocol.Envelope)
}

// New creates a Dispatcher.
func New(targets Targets, tx Transmitter, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		targets:  targets,
		tx:       tx,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		pending:  make(map[string]*pending),
		inflight: make(map[string]string),
	}
}

// OnEvent registers a handler for unsolicited agent events (status pushes
// and anything else that is not a response to a pending command).
func (d *Dispatcher) OnEvent(fn func(agentID string, env *protocol.Envelope)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = fn
}

// Submit validates and transmits a command, returning a channel that
// receives exactly one Result. Submission to an OFFLINE agent fails
// immediately with ErrAgentUnavailable and never touches the transport.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) (<-chan Result, error) {
	return d.submit(ctx, cmd, false)
}

// Probe submits a command to an agent regardless of its recorded status.
// The health prober uses this path: an OFFLINE agent must still be probed
// or it could never be observed coming back.
func (d *Dispatcher) Probe(ctx context.Context, cmd Command) (<-chan Result, error) {
	return d.submit(ctx, cmd, true)
}

func (d *Dispatcher) submit(ctx context.Context, cmd Command, allowOffline bool) (<-chan Result, error) {
	agent, err := d.targets.Get(cmd.TargetAgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, cmd.TargetAgentID)
	}
	if !allowOffline && agent.Status == registry.StatusOffline {
		return nil, fmt.Errorf("%w: %s is offline", ErrAgentUnavailable, cmd.TargetAgentID)
	}

	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}

	env, err := protocol.NewCommand(cmd.ID, cmd.Action, cmd.ServerID, cmd.Payload)
	if err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	p := &pending{
		cmd:    cmd,
		state:  StatePending,
		result: make(chan Result, 1),
	}

	d.mu.Lock()
	if cmd.Action.Lifecycle() {
		key := cmd.TargetAgentID + "/" + cmd.ServerID
		if other, busy := d.inflight[key]; busy {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: command %s", ErrConflict, other)
		}
		p.lifecycleKey = key
		d.inflight[key] = cmd.ID
	}
	d.pending[cmd.ID] = p
	p.timer = time.AfterFunc(timeout, func() { d.timeout(cmd.ID) })
	d.mu.Unlock()

	if err := d.tx.Send(cmd.TargetAgentID, env); err != nil {
		d.remove(cmd.ID)
		return nil, fmt.Errorf("transmitting command: %w", err)
	}

	d.logger.Debug("command submitted",
		"command_id", cmd.ID,
		"agent_id", cmd.TargetAgentID,
		"action", cmd.Action,
		"timeout", timeout,
	)
	return p.result, nil
}

// HandleMessage routes an inbound envelope from an agent. Responses and
// acks match pending commands solely by correlation id; anything late or
// unknown is logged and discarded, never resolved twice.
func (d *Dispatcher) HandleMessage(agentID string, env *protocol.Envelope) {
	switch {
	case env.IsAck():
		d.acknowledge(agentID, env.ID)

	case env.Type == protocol.TypeResponse:
		d.resolve(agentID, env)

	case env.Type == protocol.TypeEvent:
		d.mu.Lock()
		handler := d.onEvent
		d.mu.Unlock()
		if handler != nil {
			handler(agentID, env)
		}

	default:
		d.logger.Warn("discarding unexpected message",
			"agent_id", agentID,
			"type", env.Type,
			"command_id", env.ID,
		)
	}
}

// acknowledge moves a pending command to ACKNOWLEDGED. Acks never settle
// the caller; only terminal responses and timeouts do.
func (d *Dispatcher) acknowledge(agentID, commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[commandID]
	if !ok || p.settled {
		return
	}
	if p.state == StatePending {
		p.state = StateAcknowledged
		d.logger.Debug("command acknowledged",
			"command_id", commandID,
			"agent_id", agentID,
		)
	}
}

// resolve settles a pending command from a terminal response.
func (d *Dispatcher) resolve(agentID string, env *protocol.Envelope) {
	var result Result
	if env.Failed() {
		code, message := "UNKNOWN", "agent reported failure"
		if env.Error != nil {
			code, message = env.Error.Code, env.Error.Message
		}
		result = Result{CommandID: env.ID, State: StateFailed, Err: &AgentError{Code: code, Message: message}}
	} else {
		result = Result{CommandID: env.ID, State: StateCompleted, Payload: env.Payload}
	}

	if !d.settle(env.ID, result) {
		d.logger.Info("discarding late response for settled command",
			"command_id", env.ID,
			"agent_id", agentID,
		)
		return
	}

	// Any terminal exchange proves the agent is reachable.
	if err := d.targets.Touch(context.Background(), agentID, time.Now().UTC()); err != nil {
		d.logger.Warn("recording agent contact failed", "agent_id", agentID, "error", err)
	}
}

// timeout settles a command as TIMED_OUT if nothing else won the race.
func (d *Dispatcher) timeout(commandID string) {
	if d.settle(commandID, Result{
		CommandID: commandID,
		State:     StateTimedOut,
		Err:       ErrTimeout,
	}) {
		d.logger.Warn("command timed out", "command_id", commandID)
	}
}

// FailAgent settles every pending command targeting the agent with
// ErrConnectionLost. Called when the agent's connection reports a
// disconnect: known-bad transport fails fast instead of waiting out each
// individual timeout.
func (d *Dispatcher) FailAgent(agentID string) {
	d.mu.Lock()
	var ids []string
	for id, p := range d.pending {
		if p.cmd.TargetAgentID == agentID && !p.settled {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	for _, id := range ids {
		if d.settle(id, Result{CommandID: id, State: StateFailed, Err: ErrConnectionLost}) {
			d.logger.Warn("command failed, connection lost",
				"command_id", id,
				"agent_id", agentID,
			)
		}
	}
}

// Cancel settles a pending command with ErrCancelled and best-effort
// notifies the agent. If the command was already acknowledged, the
// agent-side action may still run to completion; only local resolution is
// suppressed. Unknown or already-settled ids return ErrNotFound.
func (d *Dispatcher) Cancel(commandID string) error {
	d.mu.Lock()
	p, ok := d.pending[commandID]
	if !ok || p.settled {
		d.mu.Unlock()
		return ErrNotFound
	}
	agentID := p.cmd.TargetAgentID
	d.mu.Unlock()

	if !d.settle(commandID, Result{CommandID: commandID, State: StateFailed, Err: ErrCancelled}) {
		return ErrNotFound
	}

	if env, err := protocol.NewCommand(commandID, protocol.ActionCancel, "", nil); err == nil {
		if err := d.tx.Send(agentID, env); err != nil {
			d.logger.Debug("cancel notice not delivered",
				"command_id", commandID,
				"agent_id", agentID,
				"error", err,
			)
		}
	}
	return nil
}

// PendingCount returns the number of unsettled commands for an agent.
func (d *Dispatcher) PendingCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, p := range d.pending {
		if p.cmd.TargetAgentID == agentID && !p.settled {
			n++
		}
	}
	return n
}

// settle is the single resolution point. It reports whether this call won
// the race; losers must treat the command as already resolved.
func (d *Dispatcher) settle(commandID string, result Result) bool {
	d.mu.Lock()
	p, ok := d.pending[commandID]
	if !ok || p.settled {
		d.mu.Unlock()
		return false
	}
	p.settled = true
	if result.Err == nil {
		p.state = StateCompleted
	} else {
		p.state = result.State
	}
	p.timer.Stop()
	delete(d.pending, commandID)
	if p.lifecycleKey != "" {
		delete(d.inflight, p.lifecycleKey)
	}
	d.mu.Unlock()

	p.result <- result
	close(p.result)
	return true
}

// remove discards a pending entry after a transmission failure; the caller
// gets the error directly, so there is nothing to settle.
func (d *Dispatcher) remove(commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[commandID]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(d.pending, commandID)
	if p.lifecycleKey != "" {
		delete(d.inflight, p.lifecycleKey)
	}
}
