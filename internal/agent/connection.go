// ABOUTME: Per-agent connection with reconnect state machine and bounded outbound queue.
// ABOUTME: Serializes outbound commands onto one transport and routes inbound envelopes to a handler.

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthlabs/hearth-panel/internal/protocol"
)

// Connection errors.
var (
	// ErrOverloaded indicates the outbound queue is full. Callers should
	// retry with backoff; the connection never blocks a sender.
	ErrOverloaded = errors.New("outbound queue full")

	// ErrClosed indicates the connection has been closed explicitly.
	ErrClosed = errors.New("connection closed")
)

// Phase is the connection's lifecycle state.
type Phase int

// Connection phases.
const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds connection tuning shared by all agents.
type Config struct {
	QueueSize int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// MessageHandler receives every parsed inbound envelope.
type MessageHandler func(env *protocol.Envelope)

// StateHandler receives phase transitions.
type StateHandler func(phase Phase)

// Connection maintains the channel to one agent. It dials the agent's
// endpoint with its credential, redials with exponential backoff on any
// unexpected disconnect, and keeps doing so until Close is called.
type Connection struct {
	AgentID string

	endpoint   string
	credential string
	dialer     Dialer
	cfg        Config
	logger     *slog.Logger

	outbound chan []byte

	mu        sync.RWMutex
	phase     Phase
	onMessage MessageHandler
	onState   StateHandler

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection creates a connection for one agent. Handlers must be set
// before Start.
func NewConnection(agentID, endpoint, credential string, dialer Dialer, cfg Config, logger *slog.Logger) *Connection {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}

	return &Connection{
		AgentID:    agentID,
		endpoint:   endpoint,
		credential: credential,
		dialer:     dialer,
		cfg:        cfg,
		logger:     logger.With("component", "agent-conn", "agent_id", agentID),
		outbound:   make(chan []byte, cfg.QueueSize),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// OnMessage registers the handler for inbound envelopes.
func (c *Connection) OnMessage(fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnStateChange registers the handler for phase transitions.
func (c *Connection) OnStateChange(fn StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Phase returns the current connection phase.
func (c *Connection) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Start launches the connect/serve/reconnect loop.
func (c *Connection) Start() {
	go c.run()
}

// Close shuts the connection down permanently. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	<-c.done
}

// Send enqueues an envelope for transmission. It never blocks: a full
// queue fails with ErrOverloaded immediately.
func (c *Connection) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.outbound <- data:
		return nil
	default:
		return ErrOverloaded
	}
}

// stableSessionAfter is how long a session must hold before a later drop
// restarts the backoff ladder from the base delay. Sessions that die
// sooner keep climbing the ladder so a crash-looping agent is not redialed
// hot.
const stableSessionAfter = 30 * time.Second

// run is the connection's reconnect state machine. Transmission order
// within the connection follows queue order; completion order is the
// agent's business.
func (c *Connection) run() {
	defer close(c.done)
	defer c.setPhase(PhaseDisconnected)

	attempt := 0
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		if attempt == 0 {
			c.setPhase(PhaseConnecting)
		} else {
			c.setPhase(PhaseReconnecting)
		}

		transport, err := c.dialer.Dial(c.endpoint, c.credential)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				// Permanent for this attempt; backoff still applies so a
				// rotated credential picked up on re-register can recover.
				c.logger.Warn("agent rejected credential", "endpoint", c.endpoint)
			} else {
				c.logger.Debug("dial failed", "endpoint", c.endpoint, "error", err)
			}

			if !c.waitBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		c.logger.Info("agent transport connected", "endpoint", c.endpoint)
		c.setPhase(PhaseConnected)

		started := time.Now()
		c.serve(transport)

		select {
		case <-c.closed:
			return
		default:
		}

		c.logger.Info("agent transport lost", "endpoint", c.endpoint)
		c.setPhase(PhaseReconnecting)

		// A stable session earns a fresh ladder; an immediate drop does not.
		if time.Since(started) >= stableSessionAfter {
			attempt = 0
		}
		if !c.waitBackoff(attempt) {
			return
		}
		attempt++
	}
}

// waitBackoff sleeps for the attempt's backoff delay. Returns false when
// the connection closed during the wait.
func (c *Connection) waitBackoff(attempt int) bool {
	delay := backoffDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, c.cfg.Jitter, attempt)
	select {
	case <-c.closed:
		return false
	case <-time.After(delay):
		return true
	}
}

// serve pumps the transport until it fails or the connection closes.
func (c *Connection) serve(transport Transport) {
	sessionDone := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			transport.Close()
			close(sessionDone)
		})
	}
	defer stop()

	// Writer: single goroutine drains the queue so wire order matches
	// submission order.
	go func() {
		for {
			select {
			case <-sessionDone:
				return
			case <-c.closed:
				stop()
				return
			case data := <-c.outbound:
				if err := transport.WriteMessage(data); err != nil {
					c.logger.Warn("write failed", "error", err)
					stop()
					return
				}
			}
		}
	}()

	for {
		data, err := transport.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("discarding malformed message", "error", err)
			continue
		}

		c.mu.RLock()
		handler := c.onMessage
		c.mu.RUnlock()
		if handler != nil {
			handler(env)
		}
	}
}

// setPhase records a transition and notifies the state handler on change.
func (c *Connection) setPhase(phase Phase) {
	c.mu.Lock()
	if c.phase == phase {
		c.mu.Unlock()
		return
	}
	c.phase = phase
	handler := c.onState
	c.mu.Unlock()

	if handler != nil {
		handler(phase)
	}
}
