// ABOUTME: HTTP API handlers for command submission and fleet management.
// ABOUTME: Maps the command error taxonomy onto HTTP status codes.

package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hearthlabs/hearth-panel/internal/agent"
	"github.com/hearthlabs/hearth-panel/internal/discovery"
	"github.com/hearthlabs/hearth-panel/internal/dispatch"
	"github.com/hearthlabs/hearth-panel/internal/protocol"
	"github.com/hearthlabs/hearth-panel/internal/registry"
)

// SubmitCommandRequest is the JSON request body for POST /api/commands.
type SubmitCommandRequest struct {
	AgentID        string          `json:"agent_id"`
	Action         string          `json:"action"`
	ServerID       string          `json:"server_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// CommandResponse is the JSON response for a settled command.
type CommandResponse struct {
	CommandID string          `json:"command_id"`
	State     string          `json:"state"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AgentResponse is the JSON shape for a registered agent.
type AgentResponse struct {
	ID             string   `json:"id"`
	NodeIdentifier string   `json:"node_identifier"`
	Endpoint       string   `json:"endpoint"`
	Status         string   `json:"status"`
	LastSeenAt     *string  `json:"last_seen_at,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Connection     string   `json:"connection"`
}

// RegisterAgentRequest is the JSON request body for POST /api/agents and
// POST /api/agents/announce.
type RegisterAgentRequest struct {
	NodeIdentifier string   `json:"node_identifier"`
	Endpoint       string   `json:"endpoint"`
	Credential     string   `json:"credential,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// ProbeResponse is the JSON response for POST /api/agents/{id}/probe.
type ProbeResponse struct {
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	ObservedAt string `json:"observed_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// routes builds the chi router for the panel API.
func (p *Panel) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", p.handleHealthz)

	r.Post("/api/commands", p.handleSubmitCommand)
	r.Get("/api/fleet", p.handleFleetSummary)

	r.Get("/api/agents", p.handleListAgents)
	r.Post("/api/agents", p.handleRegisterAgent)
	r.Post("/api/agents/announce", p.handleAnnounce)
	r.Get("/api/agents/{agentID}", p.handleGetAgent)
	r.Delete("/api/agents/{agentID}", p.handleDeregisterAgent)
	r.Post("/api/agents/{agentID}/probe", p.handleProbeAgent)

	return r
}

func (p *Panel) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.logger.Error("encoding response", "error", err)
	}
}

func (p *Panel) writeError(w http.ResponseWriter, status int, msg string) {
	p.writeJSON(w, status, errorResponse{Error: msg})
}

// statusForError maps dispatch errors onto HTTP status codes.
func statusForError(err error) int {
	var agentErr *dispatch.AgentError
	switch {
	case errors.Is(err, dispatch.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAgentUnavailable),
		errors.Is(err, dispatch.ErrConnectionLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrConflict),
		errors.Is(err, agent.ErrOverloaded):
		return http.StatusConflict
	case errors.As(err, &agentErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (p *Panel) handleHealthz(w http.ResponseWriter, r *http.Request) {
	p.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitCommand handles POST /api/commands. The request blocks until
// the command settles, then reports the terminal state.
func (p *Panel) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		p.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	action := protocol.Action(req.Action)
	if !action.Valid() || action == protocol.ActionAck || action == protocol.ActionCancel {
		p.writeError(w, http.StatusBadRequest, "unsupported action")
		return
	}
	if action.Lifecycle() && req.ServerID == "" {
		p.writeError(w, http.StatusBadRequest, "server_id is required for lifecycle actions")
		return
	}

	cmd := dispatch.Command{
		TargetAgentID: req.AgentID,
		Action:        action,
		ServerID:      req.ServerID,
		Timeout:       time.Duration(req.TimeoutSeconds) * time.Second,
	}
	if len(req.Payload) > 0 {
		cmd.Payload = req.Payload
	}

	results, err := p.dispatcher.Submit(r.Context(), cmd)
	if err != nil {
		p.writeError(w, statusForError(err), err.Error())
		return
	}

	select {
	case <-r.Context().Done():
		p.writeError(w, http.StatusRequestTimeout, "client went away")
	case result := <-results:
		resp := CommandResponse{
			CommandID: result.CommandID,
			State:     result.State.String(),
			Payload:   result.Payload,
		}
		if result.Err != nil {
			resp.Error = result.Err.Error()
			p.writeJSON(w, statusForError(result.Err), resp)
			return
		}
		p.writeJSON(w, http.StatusOK, resp)
	}
}

func (p *Panel) agentResponse(a *registry.Agent) AgentResponse {
	resp := AgentResponse{
		ID:             a.ID,
		NodeIdentifier: a.NodeIdentifier,
		Endpoint:       a.Endpoint,
		Status:         string(a.Status),
		Capabilities:   a.Capabilities,
		Connection:     agent.PhaseDisconnected.String(),
	}
	if !a.LastSeenAt.IsZero() {
		s := a.LastSeenAt.UTC().Format(time.RFC3339)
		resp.LastSeenAt = &s
	}
	if conn, ok := p.manager.Get(a.ID); ok {
		resp.Connection = conn.Phase().String()
	}
	return resp
}

func (p *Panel) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := p.registry.List()

	if statusFilter := r.URL.Query().Get("status"); statusFilter != "" {
		agents = p.registry.ListByStatus(registry.Status(statusFilter))
	}

	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, p.agentResponse(a))
	}
	p.writeJSON(w, http.StatusOK, resp)
}

func (p *Panel) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := p.registry.Get(chi.URLParam(r, "agentID"))
	if err != nil {
		p.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	p.writeJSON(w, http.StatusOK, p.agentResponse(a))
}

// handleRegisterAgent handles POST /api/agents. Registration is
// idempotent by node identifier; re-posting refreshes the endpoint.
func (p *Panel) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.NodeIdentifier == "" || req.Endpoint == "" {
		p.writeError(w, http.StatusBadRequest, "node_identifier and endpoint are required")
		return
	}

	a, err := p.registry.Register(r.Context(), registry.RegisterInfo{
		NodeIdentifier: req.NodeIdentifier,
		Endpoint:       req.Endpoint,
		Credential:     req.Credential,
		Capabilities:   req.Capabilities,
	})
	if err != nil {
		p.logger.Error("registration failed", "node", req.NodeIdentifier, "error", err)
		p.writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	p.manager.Ensure(a.ID, a.Endpoint, a.Credential)
	p.writeJSON(w, http.StatusCreated, p.agentResponse(a))
}

// handleAnnounce handles POST /api/agents/announce. The announcement must
// carry a credential signed with the fleet secret; the panel verifies it
// before queueing the candidate, then kicks discovery so the agent is
// adopted without waiting for the next sweep.
func (p *Panel) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.NodeIdentifier == "" || req.Endpoint == "" {
		p.writeError(w, http.StatusBadRequest, "node_identifier and endpoint are required")
		return
	}
	if req.Credential == "" {
		p.writeError(w, http.StatusUnauthorized, "credential is required")
		return
	}
	if _, err := p.verifier.Verify(req.Credential); err != nil {
		p.writeError(w, http.StatusUnauthorized, "invalid credential")
		return
	}

	p.announce.Announce(discovery.Candidate{
		NodeIdentifier: req.NodeIdentifier,
		Endpoint:       req.Endpoint,
		Credential:     req.Credential,
		Capabilities:   req.Capabilities,
	})
	p.discovery.Kick()

	p.logger.Info("agent announced", "node", req.NodeIdentifier, "endpoint", req.Endpoint)
	w.WriteHeader(http.StatusAccepted)
}

func (p *Panel) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if err := p.registry.Deregister(r.Context(), agentID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			p.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		p.logger.Error("deregistration failed", "agent_id", agentID, "error", err)
		p.writeError(w, http.StatusInternalServerError, "deregistration failed")
		return
	}

	// Fail pending commands before the connection goes away so callers get
	// a deterministic error instead of a timeout.
	p.dispatcher.FailAgent(agentID)
	p.manager.Drop(agentID)

	w.WriteHeader(http.StatusNoContent)
}

// handleProbeAgent handles POST /api/agents/{id}/probe: an on-demand
// health probe outside the periodic schedule.
func (p *Panel) handleProbeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if _, err := p.registry.Get(agentID); err != nil {
		p.writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	obs, err := p.prober.ProbeNow(r.Context(), agentID)
	if err != nil {
		p.writeError(w, statusForError(err), err.Error())
		return
	}

	p.writeJSON(w, http.StatusOK, ProbeResponse{
		AgentID:    obs.AgentID,
		Status:     string(obs.Status),
		ObservedAt: obs.ObservedAt.Format(time.RFC3339),
	})
}

func (p *Panel) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	p.writeJSON(w, http.StatusOK, p.prober.FleetSummary())
}
