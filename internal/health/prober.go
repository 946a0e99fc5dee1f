// ABOUTME: Periodic fleet health prober that drives agent status transitions.
// ABOUTME: Probes every agent on an interval and demotes after consecutive failures.

package health

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hearthlabs/hearth-panel/internal/dispatch"
	"github.com/hearthlabs/hearth-panel/internal/protocol"
	"github.com/hearthlabs/hearth-panel/internal/registry"
)

// Fleet is the registry surface the prober needs.
type Fleet interface {
	List() []*registry.Agent
	UpdateStatus(ctx context.Context, agentID string, status registry.Status, observedAt time.Time) error
}

// Probes issues status probes through the dispatcher. Probes reach agents
// the dispatcher would otherwise refuse as unavailable, so a downed agent
// can be observed coming back.
type Probes interface {
	Probe(ctx context.Context, cmd dispatch.Command) (<-chan dispatch.Result, error)
}

// Config holds probe timing.
type Config struct {
	// Interval between probe rounds for each agent.
	Interval time.Duration
	// Timeout bounds a single probe exchange. Shorter than the command
	// default so a dead agent is noticed quickly.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failed probes before
	// an agent is marked offline.
	FailureThreshold int
}

// Observation is the outcome of a single probe.
type Observation struct {
	AgentID    string
	Status     registry.Status
	ObservedAt time.Time
	// Failures is the consecutive failure count after this probe.
	Failures int
	Err      error
}

// Summary counts agents by status across the fleet.
type Summary struct {
	Total    int `json:"total"`
	Online   int `json:"online"`
	Offline  int `json:"offline"`
	Degraded int `json:"degraded"`
	Unknown  int `json:"unknown"`
}

// Prober runs the probe loop. Failure counts are tracked per agent and
// reset on any successful exchange, so transient glitches below the
// threshold never demote an agent.
type Prober struct {
	fleet  Fleet
	probes Probes
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

func New(fleet Fleet, probes Probes, cfg Config, logger *slog.Logger) *Prober {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Prober{
		fleet:    fleet,
		probes:   probes,
		cfg:      cfg,
		logger:   logger.With("component", "health"),
		failures: make(map[string]int),
	}
}

// Run probes the whole fleet once per interval until ctx is cancelled.
// Probes within a round are spread across a fraction of the interval so a
// large fleet does not burst all at once.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("health prober started",
		"interval", p.cfg.Interval,
		"timeout", p.cfg.Timeout,
		"failure_threshold", p.cfg.FailureThreshold,
	)

	p.probeRound(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		case <-ticker.C:
			p.probeRound(ctx)
		}
	}
}

func (p *Prober) probeRound(ctx context.Context) {
	agents := p.fleet.List()

	// Drop failure counts for agents that were deregistered.
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.ID] = true
	}
	p.mu.Lock()
	for id := range p.failures {
		if !known[id] {
			delete(p.failures, id)
		}
	}
	p.mu.Unlock()

	spread := p.cfg.Interval / 2
	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			if spread > 0 {
				jitter := time.Duration(rand.Int63n(int64(spread)))
				select {
				case <-ctx.Done():
					return
				case <-time.After(jitter):
				}
			}
			obs := p.probeOne(ctx, agentID)
			if obs.Err != nil {
				p.logger.Debug("probe failed",
					"agent_id", agentID,
					"failures", obs.Failures,
					"error", obs.Err,
				)
			}
		}(a.ID)
	}
	wg.Wait()
}

// ProbeNow probes a single agent immediately, outside the periodic
// schedule, and applies the observation to the registry.
func (p *Prober) ProbeNow(ctx context.Context, agentID string) (Observation, error) {
	obs := p.probeOne(ctx, agentID)
	if obs.Err != nil {
		return obs, obs.Err
	}
	return obs, nil
}

func (p *Prober) probeOne(ctx context.Context, agentID string) Observation {
	results, err := p.probes.Probe(ctx, dispatch.Command{
		TargetAgentID: agentID,
		Action:        protocol.ActionGetStatus,
		Timeout:       p.cfg.Timeout,
	})
	if err != nil {
		return p.recordFailure(ctx, agentID, err)
	}

	select {
	case <-ctx.Done():
		return Observation{AgentID: agentID, Err: ctx.Err()}
	case result := <-results:
		if result.Err != nil {
			return p.recordFailure(ctx, agentID, result.Err)
		}
		return p.recordSuccess(ctx, agentID, result)
	}
}

func (p *Prober) recordSuccess(ctx context.Context, agentID string, result dispatch.Result) Observation {
	observedAt := time.Now().UTC()

	status := registry.StatusOnline
	var payload protocol.StatusPayload
	if len(result.Payload) > 0 {
		env := protocol.Envelope{Payload: result.Payload}
		if err := env.DecodePayload(&payload); err != nil {
			p.logger.Warn("malformed status payload", "agent_id", agentID, "error", err)
		} else if !payload.Healthy || !payload.Docker {
			status = registry.StatusDegraded
		}
	}

	p.mu.Lock()
	p.failures[agentID] = 0
	p.mu.Unlock()

	if err := p.fleet.UpdateStatus(ctx, agentID, status, observedAt); err != nil {
		p.logger.Warn("status update failed", "agent_id", agentID, "error", err)
	}
	return Observation{AgentID: agentID, Status: status, ObservedAt: observedAt}
}

func (p *Prober) recordFailure(ctx context.Context, agentID string, cause error) Observation {
	observedAt := time.Now().UTC()

	p.mu.Lock()
	p.failures[agentID]++
	failures := p.failures[agentID]
	p.mu.Unlock()

	obs := Observation{AgentID: agentID, ObservedAt: observedAt, Failures: failures, Err: cause}
	if failures < p.cfg.FailureThreshold {
		return obs
	}

	obs.Status = registry.StatusOffline
	if err := p.fleet.UpdateStatus(ctx, agentID, registry.StatusOffline, observedAt); err != nil {
		p.logger.Warn("status update failed", "agent_id", agentID, "error", err)
	}
	if failures == p.cfg.FailureThreshold {
		p.logger.Warn("agent marked offline",
			"agent_id", agentID,
			"consecutive_failures", failures,
		)
	}
	return obs
}

// Failures returns the current consecutive failure count for an agent.
func (p *Prober) Failures(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[agentID]
}

// FleetSummary tallies the fleet by current registry status.
func (p *Prober) FleetSummary() Summary {
	var s Summary
	for _, a := range p.fleet.List() {
		s.Total++
		switch a.Status {
		case registry.StatusOnline:
			s.Online++
		case registry.StatusOffline:
			s.Offline++
		case registry.StatusDegraded:
			s.Degraded++
		default:
			s.Unknown++
		}
	}
	return s
}
