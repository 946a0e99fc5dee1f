// ABOUTME: Package documentation for the panel orchestrator.
// ABOUTME: Describes component wiring and the HTTP API surface.

// Package panel assembles the control plane: the SQLite-backed store, the
// agent registry, the outbound WebSocket connection manager, the command
// dispatcher, the health prober, and discovery, plus the HTTP API that
// fronts them.
//
// The wiring is deliberately one-directional. Discovery registers agents
// and asks the manager for connections; connection state feeds the
// dispatcher, which fails pending commands the moment a link drops;
// probe observations feed the registry, which is the single authority on
// agent status. Handlers translate the command error taxonomy into HTTP
// status codes: unavailable and lost connections map to 503, timeouts to
// 504, conflicts and overload to 409, unknown agents to 404, and errors
// reported by the agent itself to 502.
package panel
