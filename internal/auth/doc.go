// ABOUTME: Package documentation for panel-agent service authentication.
// ABOUTME: Describes the JWT credential model shared across the fleet.

// Package auth provides service credentials for panel-agent authentication.
//
// Every agent credential is an HS256 JWT signed with the fleet secret. The
// "sub" claim carries the agent ID the credential is bound to. The panel
// presents the credential as a Bearer token on every connection attempt;
// agents verify the signature and claim with the same secret.
//
// This covers service authentication only. Human-user sessions live in the
// web layer and never touch this package.
package auth
