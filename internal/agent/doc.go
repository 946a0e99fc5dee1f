// ABOUTME: Package documentation for agent connections.
// ABOUTME: Describes the transport abstraction, reconnect state machine, and manager.

// Package agent maintains the panel's connections to remote agents.
//
// # Connection
//
// Each Connection owns exactly one agent's transport. The lifecycle is an
// explicit state machine:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED
//	                    ^             |
//	                    |             v
//	                RECONNECTING <- (transport failure)
//
// On any unexpected disconnect the connection redials with exponential
// backoff (base delay doubling to a cap, plus a configurable jitter
// fraction) and keeps trying until Close. An authentication rejection
// during dial is permanent for that attempt; the backoff still applies so
// a rotated credential can recover on a later attempt.
//
// Outbound messages go through a bounded queue drained by a single writer
// goroutine, so wire order matches submission order. A full queue rejects
// the send with ErrOverloaded immediately; the connection never blocks a
// sender.
//
// # Transport
//
// Transport/Dialer abstract the wire so tests can drive a connection with
// an in-memory fake. The production WSDialer speaks WebSocket with a
// Bearer credential on the upgrade request and keeps the link checked with
// pings.
//
// # Manager
//
// The Manager holds one Connection per agent ID and wires each one to the
// shared message and state handlers (in practice: the dispatcher's inbound
// routing and its connection-loss bulk failure).
package agent
