// ABOUTME: Durable registry of known agents with monotonic status tracking.
// ABOUTME: Single source of truth for agent identity, endpoint, credential, and health.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthlabs/hearth-panel/internal/store"
)

// ErrNotFound indicates the specified agent is not registered.
var ErrNotFound = errors.New("agent not found")

// Status is an agent's last known health state.
type Status string

// Agent statuses.
const (
	StatusUnknown  Status = store.StatusUnknown
	StatusOnline   Status = store.StatusOnline
	StatusOffline  Status = store.StatusOffline
	StatusDegraded Status = store.StatusDegraded
)

// Agent is the registry's view of one registered agent.
type Agent struct {
	ID             string
	NodeIdentifier string
	Endpoint       string
	Credential     string
	Status         Status
	LastSeenAt     time.Time
	Capabilities   []string
	RegisteredAt   time.Time
}

// RegisterInfo carries the fields needed to register or refresh an agent.
type RegisterInfo struct {
	NodeIdentifier string
	Endpoint       string
	Credential     string
	Capabilities   []string
}

// StatusEvent is emitted to subscribers on every status transition.
type StatusEvent struct {
	AgentID    string
	Old        Status
	New        Status
	ObservedAt time.Time
}

// entry pairs the durable record with the observation watermark that
// enforces monotonic status updates.
type entry struct {
	agent      Agent
	observedAt time.Time
}

// Registry tracks all known agents. Reads come from the in-memory map;
// every mutation is written through to the store.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*entry

	subMu   sync.Mutex
	subs    map[int]chan StatusEvent
	nextSub int
}

// New creates a Registry and loads all persisted records into memory.
func New(ctx context.Context, s store.Store, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:  s,
		logger: logger.With("component", "registry"),
		agents: make(map[string]*entry),
		subs:   make(map[int]chan StatusEvent),
	}

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading nodes: %w", err)
	}
	for _, n := range nodes {
		r.agents[n.ID] = &entry{agent: fromRecord(n), observedAt: n.LastSeenAt}
	}

	r.logger.Info("registry loaded", "agents", len(nodes))
	return r, nil
}

// Register adds a new agent or refreshes an existing one. Registration is
// idempotent by node identifier: re-registering updates endpoint,
// credential, and capabilities but preserves the record's ID, status, and
// LastSeenAt until health confirms reachability.
func (r *Registry) Register(ctx context.Context, info RegisterInfo) (*Agent, error) {
	if info.NodeIdentifier == "" {
		return nil, errors.New("node identifier is required")
	}
	if info.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.agents {
		if e.agent.NodeIdentifier == info.NodeIdentifier {
			e.agent.Endpoint = info.Endpoint
			if info.Credential != "" {
				e.agent.Credential = info.Credential
			}
			if info.Capabilities != nil {
				e.agent.Capabilities = append([]string(nil), info.Capabilities...)
			}
			if err := r.store.SaveNode(ctx, toRecord(&e.agent)); err != nil {
				return nil, fmt.Errorf("persisting agent: %w", err)
			}
			r.logger.Info("agent re-registered",
				"agent_id", e.agent.ID,
				"node", info.NodeIdentifier,
				"endpoint", info.Endpoint,
			)
			cp := e.agent
			return &cp, nil
		}
	}

	agent := Agent{
		ID:             uuid.New().String(),
		NodeIdentifier: info.NodeIdentifier,
		Endpoint:       info.Endpoint,
		Credential:     info.Credential,
		Status:         StatusUnknown,
		Capabilities:   append([]string(nil), info.Capabilities...),
		RegisteredAt:   time.Now().UTC(),
	}
	if err := r.store.SaveNode(ctx, toRecord(&agent)); err != nil {
		return nil, fmt.Errorf("persisting agent: %w", err)
	}
	r.agents[agent.ID] = &entry{agent: agent}

	r.logger.Info("agent registered",
		"agent_id", agent.ID,
		"node", agent.NodeIdentifier,
		"endpoint", agent.Endpoint,
	)
	cp := agent
	return &cp, nil
}

// Get returns the agent with the given ID, or ErrNotFound.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e.agent
	return &cp, nil
}

// List returns all registered agents.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*Agent, 0, len(r.agents))
	for _, e := range r.agents {
		cp := e.agent
		agents = append(agents, &cp)
	}
	return agents
}

// ListByStatus returns all agents currently in the given status.
func (r *Registry) ListByStatus(status Status) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agents []*Agent
	for _, e := range r.agents {
		if e.agent.Status == status {
			cp := e.agent
			agents = append(agents, &cp)
		}
	}
	return agents
}

// UpdateStatus records a status observation. Observations older than the
// recorded watermark are ignored so out-of-order probe results cannot flap
// the status backwards. Returns ErrNotFound for unknown agents.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status Status, observedAt time.Time) error {
	r.mu.Lock()

	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}

	if observedAt.Before(e.observedAt) {
		r.mu.Unlock()
		r.logger.Debug("ignoring stale status observation",
			"agent_id", agentID,
			"status", status,
			"observed_at", observedAt,
		)
		return nil
	}

	old := e.agent.Status
	e.observedAt = observedAt
	e.agent.Status = status
	if status == StatusOnline || status == StatusDegraded {
		e.agent.LastSeenAt = observedAt
	}
	lastSeen := e.agent.LastSeenAt
	r.mu.Unlock()

	if err := r.store.UpdateNodeStatus(ctx, agentID, string(status), lastSeen); err != nil {
		return fmt.Errorf("persisting status: %w", err)
	}

	if old != status {
		r.logger.Info("agent status changed",
			"agent_id", agentID,
			"old", old,
			"new", status,
		)
		r.publish(StatusEvent{AgentID: agentID, Old: old, New: status, ObservedAt: observedAt})
	}
	return nil
}

// Touch marks a successful exchange with the agent, moving it ONLINE
// through the same monotonic path probes use.
func (r *Registry) Touch(ctx context.Context, agentID string, at time.Time) error {
	return r.UpdateStatus(ctx, agentID, StatusOnline, at)
}

// Deregister removes an agent permanently. This is the only way an agent
// leaves the registry; missed heartbeats only ever mark OFFLINE.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if err := r.store.DeleteNode(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting agent: %w", err)
	}

	r.logger.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// Subscribe returns a channel of status events and a cancel function.
// Events are delivered best-effort; a subscriber that falls behind misses
// events rather than blocking status updates.
func (r *Registry) Subscribe() (<-chan StatusEvent, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan StatusEvent, 16)
	r.subs[id] = ch

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish delivers an event to all subscribers without blocking.
func (r *Registry) publish(event StatusEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func fromRecord(n *store.NodeRecord) Agent {
	return Agent{
		ID:             n.ID,
		NodeIdentifier: n.NodeIdentifier,
		Endpoint:       n.Endpoint,
		Credential:     n.Credential,
		Status:         Status(n.Status),
		LastSeenAt:     n.LastSeenAt,
		Capabilities:   append([]string(nil), n.Capabilities...),
		RegisteredAt:   n.RegisteredAt,
	}
}

func toRecord(a *Agent) *store.NodeRecord {
	return &store.NodeRecord{
		ID:             a.ID,
		NodeIdentifier: a.NodeIdentifier,
		Endpoint:       a.Endpoint,
		Credential:     a.Credential,
		Status:         string(a.Status),
		LastSeenAt:     a.LastSeenAt,
		Capabilities:   append([]string(nil), a.Capabilities...),
		RegisteredAt:   a.RegisteredAt,
		UpdatedAt:      time.Now().UTC(),
	}
}
