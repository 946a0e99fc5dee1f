// ABOUTME: Manages the set of live agent connections keyed by agent ID.
// ABOUTME: Creates, reuses, and tears down connections as the registry changes.

package agent

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hearthlabs/hearth-panel/internal/protocol"
)

// Handlers are invoked for every connection the manager owns. Both receive
// the agent ID so one dispatcher can serve the whole fleet.
type Handlers struct {
	OnMessage func(agentID string, env *protocol.Envelope)
	OnState   func(agentID string, phase Phase)
}

// Manager owns all agent connections.
type Manager struct {
	dialer   Dialer
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager creates a Manager. The handlers are wired into every
// connection it creates.
func NewManager(dialer Dialer, cfg Config, handlers Handlers, logger *slog.Logger) *Manager {
	return &Manager{
		dialer:   dialer,
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With("component", "agent-manager"),
		conns:    make(map[string]*Connection),
	}
}

// Ensure returns the connection for an agent, creating and starting one if
// needed. A changed endpoint or credential tears down the old connection
// and dials fresh.
func (m *Manager) Ensure(agentID, endpoint, credential string) *Connection {
	m.mu.Lock()

	var stale *Connection
	if conn, ok := m.conns[agentID]; ok {
		if conn.endpoint == endpoint && conn.credential == credential {
			m.mu.Unlock()
			return conn
		}
		stale = conn
	}

	conn := NewConnection(agentID, endpoint, credential, m.dialer, m.cfg, m.logger)
	if m.handlers.OnMessage != nil {
		conn.OnMessage(func(env *protocol.Envelope) {
			m.handlers.OnMessage(agentID, env)
		})
	}
	if m.handlers.OnState != nil {
		conn.OnStateChange(func(phase Phase) {
			m.handlers.OnState(agentID, phase)
		})
	}
	// Replace under one critical section so a concurrent Ensure cannot
	// slip a connection into the gap and have it overwritten unclosed.
	m.conns[agentID] = conn
	m.mu.Unlock()

	if stale != nil {
		m.logger.Info("agent endpoint changed, redialing",
			"agent_id", agentID,
			"endpoint", endpoint,
		)
		stale.Close()
	}

	conn.Start()
	return conn
}

// Get returns the connection for an agent, if one exists.
func (m *Manager) Get(agentID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[agentID]
	return conn, ok
}

// Send queues an envelope on the agent's connection. Fails when no
// connection exists or the outbound queue is full.
func (m *Manager) Send(agentID string, env *protocol.Envelope) error {
	conn, ok := m.Get(agentID)
	if !ok {
		return fmt.Errorf("no connection for agent %s", agentID)
	}
	return conn.Send(env)
}

// Drop closes and removes an agent's connection. Used on deregistration.
func (m *Manager) Drop(agentID string) {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	if ok {
		delete(m.conns, agentID)
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
		m.logger.Info("agent connection dropped", "agent_id", agentID)
	}
}

// CloseAll tears down every connection. Used on panel shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
