// ABOUTME: Package documentation for agent discovery.
// ABOUTME: Explains strategies, sweeps, and the announcement flow.

// Package discovery finds agents and feeds them into the registry.
//
// Three strategies ship today: a static list from the panel
// configuration; self-announcement, where a starting agent posts its
// identity and endpoint to the panel API; and an optional mDNS scan of
// the local network for advertising agents. The service sweeps all
// strategies on an interval; an announcement also kicks an immediate
// sweep so new agents come up without waiting.
//
// Discovery never talks to game servers. It registers the candidate and
// asks the connection manager to establish the outbound link; health
// probing decides when the agent actually counts as online.
package discovery
