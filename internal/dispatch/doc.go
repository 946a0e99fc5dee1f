// ABOUTME: Package documentation for the command dispatcher.
// ABOUTME: Describes the pending table, state machine, and exactly-once settlement.

// Package dispatch is the protocol core of the panel: it accepts abstract
// commands, routes them to agent connections, and resolves each caller
// exactly once.
//
// # State machine
//
// Per command:
//
//	PENDING -> ACKNOWLEDGED -> COMPLETED | FAILED
//	PENDING ------------------> COMPLETED | FAILED
//	PENDING | ACKNOWLEDGED ---> TIMED_OUT
//
// An ack is informational; only a terminal response, the timeout, a
// connection loss, or a cancellation settles the caller's result channel.
//
// # Exactly-once resolution
//
// The pending table maps correlation id to a settle-once handle. The
// response path, the timeout timer, FailAgent, and Cancel all funnel
// through one guarded settle call; whichever fires first wins exclusively
// and the rest observe an already-settled command. A late response for a
// timed-out command is logged and discarded.
//
// # Ordering
//
// Responses are matched solely by correlation id. Concurrent outstanding
// commands to one agent are allowed, except that at most one lifecycle
// command (start/stop/restart) may be in flight per (agent, server) pair.
//
// # Probing
//
// Submit refuses OFFLINE targets outright. Probe skips that check — the
// health prober must reach for OFFLINE agents or recovery would never be
// observed — but shares the correlation and timeout machinery.
package dispatch
