// ABOUTME: Agent discovery service combining static config and self-announcement.
// ABOUTME: Feeds candidates into the registry and brings up their connections.

package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthlabs/hearth-panel/internal/registry"
)

// Candidate is an agent endpoint produced by a discovery strategy.
type Candidate struct {
	NodeIdentifier string   `json:"node_identifier"`
	Endpoint       string   `json:"endpoint"`
	Credential     string   `json:"credential,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// Strategy produces candidate agents from one source.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string
	// Discover returns the current set of candidates. Transient failures
	// are returned as errors and retried on the next sweep.
	Discover(ctx context.Context) ([]Candidate, error)
}

// Registrar is the registry surface discovery writes to.
type Registrar interface {
	Register(ctx context.Context, info registry.RegisterInfo) (*registry.Agent, error)
}

// Connector establishes outbound connections to discovered agents.
type Connector interface {
	Ensure(agentID, endpoint, credential string)
}

// Service sweeps all strategies on an interval, registering every
// candidate and ensuring a connection exists for it. One bad candidate
// never blocks the rest of the sweep.
type Service struct {
	strategies []Strategy
	registrar  Registrar
	connector  Connector
	interval   time.Duration
	logger     *slog.Logger

	kick chan struct{}
}

func NewService(strategies []Strategy, registrar Registrar, connector Connector, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		strategies: strategies,
		registrar:  registrar,
		connector:  connector,
		interval:   interval,
		logger:     logger.With("component", "discovery"),
		kick:       make(chan struct{}, 1),
	}
}

// Run sweeps immediately, then on every interval tick or kick, until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("discovery started",
		"strategies", len(s.strategies),
		"interval", s.interval,
	)

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("discovery stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.kick:
			s.Sweep(ctx)
		}
	}
}

// Kick schedules an immediate sweep. Used when an announcement arrives so
// the agent does not wait out the interval.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Sweep runs every strategy once and processes its candidates.
func (s *Service) Sweep(ctx context.Context) {
	for _, strat := range s.strategies {
		candidates, err := strat.Discover(ctx)
		if err != nil {
			s.logger.Warn("strategy sweep failed", "strategy", strat.Name(), "error", err)
			continue
		}
		for _, c := range candidates {
			if err := s.adopt(ctx, c); err != nil {
				s.logger.Warn("candidate rejected",
					"strategy", strat.Name(),
					"node", c.NodeIdentifier,
					"endpoint", c.Endpoint,
					"error", err,
				)
			}
		}
	}
}

func (s *Service) adopt(ctx context.Context, c Candidate) error {
	agent, err := s.registrar.Register(ctx, registry.RegisterInfo{
		NodeIdentifier: c.NodeIdentifier,
		Endpoint:       c.Endpoint,
		Credential:     c.Credential,
		Capabilities:   c.Capabilities,
	})
	if err != nil {
		return err
	}
	if s.connector != nil {
		s.connector.Ensure(agent.ID, agent.Endpoint, agent.Credential)
	}
	return nil
}

// StaticStrategy serves a fixed candidate list from configuration.
type StaticStrategy struct {
	candidates []Candidate
}

func NewStaticStrategy(candidates []Candidate) *StaticStrategy {
	return &StaticStrategy{candidates: candidates}
}

func (s *StaticStrategy) Name() string { return "static" }

func (s *StaticStrategy) Discover(ctx context.Context) ([]Candidate, error) {
	out := make([]Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out, nil
}

// AnnounceStrategy collects self-announcements from agents. Announce is
// called by the HTTP handler; the queued candidates drain on the next
// sweep. Announcing is registration only: the panel still dials the agent
// itself, so a forged announcement cannot hijack an existing record's
// connection without the fleet credential.
type AnnounceStrategy struct {
	mu      sync.Mutex
	pending []Candidate
}

func NewAnnounceStrategy() *AnnounceStrategy {
	return &AnnounceStrategy{}
}

func (a *AnnounceStrategy) Name() string { return "announce" }

// Announce queues a candidate for the next sweep.
func (a *AnnounceStrategy) Announce(c Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, c)
}

func (a *AnnounceStrategy) Discover(ctx context.Context) ([]Candidate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out, nil
}
