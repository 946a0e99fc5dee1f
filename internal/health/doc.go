// ABOUTME: Package documentation for the fleet health prober.
// ABOUTME: Describes probe rounds, the failure threshold, and status transitions.

// Package health keeps agent statuses current by probing every registered
// agent on a fixed interval.
//
// A probe is an agent-level get_status exchange issued through the
// dispatcher with a timeout shorter than the normal command timeout. The
// prober uses the dispatcher's probe path rather than the submit path so
// that agents currently marked offline are still probed and can be
// observed recovering.
//
// A successful probe marks the agent online, or degraded when the agent
// reports an unhealthy runtime or an unreachable Docker daemon. Failures
// only demote an agent after a configured number of consecutive misses;
// the counter resets on any success. Each observation carries the wall
// clock time it was taken, and the registry discards observations older
// than what it has already applied, so a slow probe can never roll a
// fresher status backwards.
package health
