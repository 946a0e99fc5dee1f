// ABOUTME: Package documentation for the panel-agent wire protocol.
// ABOUTME: Describes the message envelope, action set, and correlation rules.

// Package protocol defines the wire protocol spoken between the panel and
// its agents.
//
// # Envelope
//
// Every message is a single JSON object:
//
//	{
//	  "id": "b3c2...",
//	  "type": "command",
//	  "action": "start_server",
//	  "server_id": "abc",
//	  "payload": {...},
//	  "timestamp": "2026-01-02T15:04:05Z"
//	}
//
// Three message types exist:
//
//   - command: panel to agent, carries an action and optional payload
//   - response: agent to panel, echoes the command id, carries success or error
//   - event: either direction; an "ack" event acknowledges receipt of a
//     command without completing it, other events are unsolicited pushes
//
// # Correlation
//
// A response or ack always echoes the id of the command it answers. The
// dispatcher matches messages to pending commands solely by this id; no
// ordering across different commands is assumed.
//
// # Actions
//
// The action set is closed: start_server, stop_server, restart_server,
// get_status, plus the internal ack and cancel markers. stop_server carries
// a StopServerPayload. A get_status command without a server_id is the
// agent-level health probe; its response payload is a StatusPayload.
package protocol
