// ABOUTME: Reference agent for E2E testing — serves the panel protocol over WebSocket.
// ABOUTME: Simulates container lifecycle for a configurable set of game servers.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/mdns"

	"github.com/hearthlabs/hearth-panel/internal/auth"
	"github.com/hearthlabs/hearth-panel/internal/discovery"
	"github.com/hearthlabs/hearth-panel/internal/protocol"
)

// Config is the fake agent's TOML configuration.
type Config struct {
	Listen         string         `toml:"listen"`
	NodeIdentifier string         `toml:"node_identifier"`
	FleetSecret    string         `toml:"fleet_secret"`
	PanelURL       string         `toml:"panel_url"`
	Credential     string         `toml:"credential"`
	MDNS           bool           `toml:"mdns"`
	Degraded       bool           `toml:"degraded"`
	StartDelay     duration       `toml:"start_delay"`
	Servers        []ServerConfig `toml:"servers"`
}

// ServerConfig describes one simulated game server.
type ServerConfig struct {
	ID    string `toml:"id"`
	State string `toml:"state"`
}

// duration wraps time.Duration for TOML decoding from strings like "2s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// fakeAgent simulates a node agent. Server states move through
// starting/running and stopping/stopped with a configurable delay so the
// panel's ack-then-response flow is exercised.
type fakeAgent struct {
	cfg      Config
	verifier *auth.JWTVerifier
	logger   *slog.Logger

	mu      sync.Mutex
	servers map[string]string
}

func main() {
	configPath := flag.String("config", "fake-agent.toml", "Path to TOML config")
	degraded := flag.Bool("degraded", false, "Report unhealthy status on probes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *degraded {
		cfg.Degraded = true
	}

	agent, err := newFakeAgent(cfg, logger)
	if err != nil {
		logger.Error("creating agent", "error", err)
		os.Exit(1)
	}

	if err := agent.run(); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (Config, error) {
	cfg := Config{
		Listen:         "127.0.0.1:9090",
		NodeIdentifier: "fake-node",
		StartDelay:     duration{500 * time.Millisecond},
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			// No config file is fine; defaults simulate a bare node.
			return cfg, nil
		}
		return cfg, fmt.Errorf("decoding %s: %w", path, err)
	}
	return cfg, nil
}

func newFakeAgent(cfg Config, logger *slog.Logger) (*fakeAgent, error) {
	a := &fakeAgent{
		cfg:     cfg,
		logger:  logger.With("node", cfg.NodeIdentifier),
		servers: make(map[string]string),
	}
	for _, s := range cfg.Servers {
		state := s.State
		if state == "" {
			state = "stopped"
		}
		a.servers[s.ID] = state
	}

	if cfg.FleetSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.FleetSecret))
		if err != nil {
			return nil, fmt.Errorf("creating verifier: %w", err)
		}
		a.verifier = verifier
	}
	return a, nil
}

func (a *fakeAgent) run() error {
	if a.cfg.PanelURL != "" {
		if err := a.announce(); err != nil {
			a.logger.Warn("announcement failed", "error", err)
		}
	}
	if a.cfg.MDNS {
		stop := a.advertiseMDNS()
		defer stop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWS)

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	a.logger.Info("fake agent listening", "addr", a.cfg.Listen, "servers", len(a.servers))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// advertiseMDNS announces this agent on the local network so a panel with
// scan discovery enabled finds it without configuration. Returns a
// shutdown func; advertising failures are logged, never fatal.
func (a *fakeAgent) advertiseMDNS() func() {
	_, portStr, err := net.SplitHostPort(a.cfg.Listen)
	if err != nil {
		a.logger.Warn("mdns advertise skipped, bad listen addr", "error", err)
		return func() {}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		a.logger.Warn("mdns advertise skipped, bad listen port", "error", err)
		return func() {}
	}

	meta := []string{"node=" + a.cfg.NodeIdentifier}
	if a.cfg.Credential != "" {
		meta = append(meta, "token="+a.cfg.Credential)
	}

	service, err := mdns.NewMDNSService(a.cfg.NodeIdentifier, discovery.DefaultScanService, "", "", port, nil, meta)
	if err != nil {
		a.logger.Warn("mdns advertise setup failed", "error", err)
		return func() {}
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		a.logger.Warn("mdns advertise start failed", "error", err)
		return func() {}
	}
	a.logger.Info("mdns advertising enabled",
		"service", discovery.DefaultScanService,
		"instance", a.cfg.NodeIdentifier,
		"port", port,
	)
	return func() { server.Shutdown() }
}

// announce registers this agent with the panel so it gets dialed without
// static configuration.
func (a *fakeAgent) announce() error {
	body, err := json.Marshal(map[string]any{
		"node_identifier": a.cfg.NodeIdentifier,
		"endpoint":        a.cfg.Listen,
		"credential":      a.cfg.Credential,
	})
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(a.cfg.PanelURL, "/") + "/api/agents/announce"
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("announce rejected: status %d", resp.StatusCode)
	}
	a.logger.Info("announced to panel", "panel", a.cfg.PanelURL)
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (a *fakeAgent) handleWS(w http.ResponseWriter, r *http.Request) {
	if a.verifier != nil {
		token, err := auth.BearerFromRequest(r)
		if err != nil {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := a.verifier.Verify(token); err != nil {
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	a.logger.Info("panel connected", "remote", r.RemoteAddr)

	var writeMu sync.Mutex
	send := func(env *protocol.Envelope) {
		data, err := env.Encode()
		if err != nil {
			a.logger.Error("encoding envelope", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	conn.SetPingHandler(func(appData string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.logger.Info("panel disconnected", "error", err)
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			a.logger.Warn("discarding malformed message", "error", err)
			continue
		}
		if env.Type != protocol.TypeCommand {
			continue
		}
		go a.handleCommand(env, send)
	}
}

func (a *fakeAgent) handleCommand(env *protocol.Envelope, send func(*protocol.Envelope)) {
	a.logger.Info("command received", "id", env.ID, "action", env.Action, "server_id", env.ServerID)

	switch env.Action {
	case protocol.ActionGetStatus:
		a.replyStatus(env, send)
	case protocol.ActionStartServer:
		a.lifecycle(env, send, "starting", "running")
	case protocol.ActionStopServer:
		a.lifecycle(env, send, "stopping", "stopped")
	case protocol.ActionRestartServer:
		a.lifecycle(env, send, "restarting", "running")
	case protocol.ActionCancel:
		// Nothing to cancel; simulated work is short.
	default:
		send(protocol.NewErrorResponse(env.ID, "UNSUPPORTED_ACTION", "action not supported"))
	}
}

func (a *fakeAgent) replyStatus(env *protocol.Envelope, send func(*protocol.Envelope)) {
	if env.ServerID != "" {
		a.mu.Lock()
		state, ok := a.servers[env.ServerID]
		a.mu.Unlock()
		if !ok {
			send(protocol.NewErrorResponse(env.ID, "SERVER_NOT_FOUND", "no such server"))
			return
		}
		resp, err := protocol.NewResponse(env.ID, protocol.ServerStatusPayload{Status: state})
		if err != nil {
			send(protocol.NewErrorResponse(env.ID, "INTERNAL", err.Error()))
			return
		}
		send(resp)
		return
	}

	a.mu.Lock()
	servers := make(map[string]string, len(a.servers))
	for id, state := range a.servers {
		servers[id] = state
	}
	a.mu.Unlock()

	resp, err := protocol.NewResponse(env.ID, protocol.StatusPayload{
		Healthy: !a.cfg.Degraded,
		Docker:  !a.cfg.Degraded,
		Servers: servers,
	})
	if err != nil {
		send(protocol.NewErrorResponse(env.ID, "INTERNAL", err.Error()))
		return
	}
	send(resp)
}

// lifecycle acks immediately, holds the transitional state for the start
// delay, then reports the terminal state.
func (a *fakeAgent) lifecycle(env *protocol.Envelope, send func(*protocol.Envelope), transitional, terminal string) {
	a.mu.Lock()
	if _, ok := a.servers[env.ServerID]; !ok {
		a.mu.Unlock()
		send(protocol.NewErrorResponse(env.ID, "SERVER_NOT_FOUND", "no such server"))
		return
	}
	a.servers[env.ServerID] = transitional
	a.mu.Unlock()

	send(protocol.NewAck(env.ID))

	time.Sleep(a.cfg.StartDelay.Duration)

	a.mu.Lock()
	a.servers[env.ServerID] = terminal
	a.mu.Unlock()

	resp, err := protocol.NewResponse(env.ID, protocol.ServerStatusPayload{Status: terminal})
	if err != nil {
		send(protocol.NewErrorResponse(env.ID, "INTERNAL", err.Error()))
		return
	}
	send(resp)
}
