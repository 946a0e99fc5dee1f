// ABOUTME: Panel orchestrator wiring store, registry, connections, and probing.
// ABOUTME: Manages the HTTP API server and background service lifecycles.

package panel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hearthlabs/hearth-panel/internal/agent"
	"github.com/hearthlabs/hearth-panel/internal/auth"
	"github.com/hearthlabs/hearth-panel/internal/config"
	"github.com/hearthlabs/hearth-panel/internal/discovery"
	"github.com/hearthlabs/hearth-panel/internal/dispatch"
	"github.com/hearthlabs/hearth-panel/internal/health"
	"github.com/hearthlabs/hearth-panel/internal/protocol"
	"github.com/hearthlabs/hearth-panel/internal/registry"
	"github.com/hearthlabs/hearth-panel/internal/store"
)

// Panel orchestrates the control-plane components: the persistent store,
// the agent registry, the outbound connection manager, the command
// dispatcher, the health prober, and discovery.
type Panel struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	manager    *agent.Manager
	dispatcher *dispatch.Dispatcher
	prober     *health.Prober
	discovery  *discovery.Service
	announce   *discovery.AnnounceStrategy
	verifier   *auth.JWTVerifier
	httpServer *http.Server
	logger     *slog.Logger
}

// connectorFunc adapts a closure to the discovery.Connector interface.
type connectorFunc func(agentID, endpoint, credential string)

func (f connectorFunc) Ensure(agentID, endpoint, credential string) {
	f(agentID, endpoint, credential)
}

// initStore creates the store from config, honoring the HEARTH_DB_PATH
// override used by tests and container deployments.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HEARTH_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Panel with all components wired but nothing running.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Panel, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(ctx, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.FleetSecret))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating fleet verifier: %w", err)
	}

	p := &Panel{
		config:   cfg,
		store:    s,
		registry: reg,
		verifier: verifier,
		logger:   logger.With("component", "panel"),
	}

	// The manager's handlers close over p so they see the dispatcher once
	// it is assigned below; no connection is dialed until discovery runs.
	p.manager = agent.NewManager(agent.WSDialer{}, agent.Config{
		QueueSize: cfg.Fleet.QueueSize,
		BaseDelay: cfg.Fleet.Reconnect.BaseDelay,
		MaxDelay:  cfg.Fleet.Reconnect.MaxDelay,
		Jitter:    cfg.Fleet.Reconnect.Jitter,
	}, agent.Handlers{
		OnMessage: func(agentID string, env *protocol.Envelope) {
			p.dispatcher.HandleMessage(agentID, env)
		},
		OnState: p.handleConnectionState,
	}, logger)

	p.dispatcher = dispatch.New(reg, p.manager, dispatch.Config{
		DefaultTimeout: cfg.Fleet.CommandTimeout,
	}, logger)

	p.prober = health.New(reg, p.dispatcher, health.Config{
		Interval:         cfg.Fleet.ProbeInterval,
		Timeout:          cfg.Fleet.ProbeTimeout,
		FailureThreshold: cfg.Fleet.FailureThreshold,
	}, logger)

	p.announce = discovery.NewAnnounceStrategy()
	static := make([]discovery.Candidate, 0, len(cfg.Discovery.Static))
	for _, n := range cfg.Discovery.Static {
		static = append(static, discovery.Candidate{
			NodeIdentifier: n.NodeIdentifier,
			Endpoint:       n.Endpoint,
			Capabilities:   n.Capabilities,
		})
	}
	strategies := []discovery.Strategy{discovery.NewStaticStrategy(static), p.announce}
	if cfg.Discovery.Scan.Enabled {
		strategies = append(strategies, discovery.NewScanStrategy(
			cfg.Discovery.Scan.Service,
			cfg.Discovery.Scan.Timeout,
			logger,
		))
	}
	p.discovery = discovery.NewService(
		strategies,
		reg,
		connectorFunc(func(agentID, endpoint, credential string) {
			p.manager.Ensure(agentID, endpoint, credential)
		}),
		cfg.Discovery.Interval,
		logger,
	)

	p.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           p.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return p, nil
}

// handleConnectionState reacts to connection phase transitions. A lost
// connection fails every pending command for that agent immediately
// instead of letting them ride out their timeouts.
func (p *Panel) handleConnectionState(agentID string, phase agent.Phase) {
	switch phase {
	case agent.PhaseConnected:
		if err := p.registry.Touch(context.Background(), agentID, time.Now().UTC()); err != nil {
			p.logger.Warn("touch after connect failed", "agent_id", agentID, "error", err)
		}
	case agent.PhaseReconnecting, agent.PhaseDisconnected:
		p.dispatcher.FailAgent(agentID)
	}
}

// logStatusEvents consumes registry transitions until ctx is cancelled.
func (p *Panel) logStatusEvents(ctx context.Context) {
	events, cancel := p.registry.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.logger.Info("agent status changed",
				"agent_id", ev.AgentID,
				"from", string(ev.Old),
				"to", string(ev.New),
			)
		}
	}
}

// Run starts the HTTP server and background services, blocking until the
// context is cancelled or the server fails.
func (p *Panel) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go p.logStatusEvents(runCtx)
	go p.discovery.Run(runCtx)
	go p.prober.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := p.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		p.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		p.logger.Error("server error", "error", serverErr)
	}

	cancel()
	shutdownErr := p.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// cancelled by the time shutdown starts.
func (p *Panel) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Shutdown(ctx)
}

// Shutdown stops the HTTP server, tears down agent connections, and
// closes the store.
func (p *Panel) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down panel")

	var firstErr error
	if err := p.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("HTTP shutdown: %w", err)
	}

	p.manager.CloseAll()

	if err := p.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	p.logger.Info("panel shutdown complete")
	return firstErr
}
