// ABOUTME: Package documentation for configuration loading.
// ABOUTME: Describes the YAML layout, env expansion, and defaulting rules.

// Package config loads hearth-panel configuration from YAML.
//
// Example:
//
//	server:
//	  http_addr: ":8080"
//	database:
//	  path: /var/lib/hearth/panel.db
//	auth:
//	  fleet_secret: ${HEARTH_FLEET_SECRET}
//	fleet:
//	  probe_interval: 30s
//	  probe_timeout: 5s
//	  failure_threshold: 3
//	  command_timeout: 30s
//	  queue_size: 64
//	  reconnect:
//	    base_delay: 1s
//	    max_delay: 60s
//	    jitter: 0.2
//	discovery:
//	  interval: 60s
//	  static:
//	    - node_identifier: game-host-01
//	      endpoint: 10.0.0.5:8080
//	logging:
//	  level: info
//	  format: text
//
// ${VAR} references are expanded from the environment before parsing.
// Durations are written as Go duration strings. Any tunable left unset
// falls back to the package defaults.
package config
