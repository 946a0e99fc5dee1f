// ABOUTME: Package documentation for the agent registry.
// ABOUTME: Describes durability, idempotent registration, and monotonic status.

// Package registry maintains the durable record of every known agent.
//
// # Lifecycle
//
// Records are created by discovery or explicit registration and removed
// only by explicit deregistration. An unreachable agent is marked OFFLINE,
// never deleted; the record preserves audit history.
//
// Registration is idempotent by node identifier: re-registering an existing
// node refreshes its endpoint, credential, and capabilities without minting
// a new ID or resetting LastSeenAt.
//
// # Monotonic status
//
// Every status write carries the observation timestamp that produced it.
// The registry keeps a per-agent watermark and drops observations older
// than it, so an out-of-order probe result arriving late cannot flap the
// status backwards. The health prober and the dispatcher (on transport
// failure) both write through this one serialized path.
//
// # Events
//
// Subscribe returns a channel receiving a StatusEvent for every transition.
// Delivery is best-effort: a full subscriber channel drops the event rather
// than blocking the writer.
package registry
