// ABOUTME: Configuration loading and parsing for hearth-panel.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for tunables left unset in the config file.
const (
	DefaultProbeInterval     = 30 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultFailureThreshold  = 3
	DefaultCommandTimeout    = 30 * time.Second
	DefaultQueueSize         = 64
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = time.Minute
	DefaultReconnectJitter   = 0.2
	DefaultDiscoveryInterval = time.Minute
)

// Config represents the complete hearth-panel configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds service authentication configuration.
type AuthConfig struct {
	// FleetSecret signs agent credentials (HS256). Every agent in the
	// fleet verifies its bearer token against the same secret.
	FleetSecret string `yaml:"fleet_secret"`
}

// FleetConfig holds probing, command, and connection tuning for agents.
type FleetConfig struct {
	ProbeInterval    time.Duration `yaml:"-"`
	ProbeTimeout     time.Duration `yaml:"-"`
	CommandTimeout   time.Duration `yaml:"-"`
	FailureThreshold int           `yaml:"failure_threshold"`
	QueueSize        int           `yaml:"queue_size"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`

	// Raw string values for YAML unmarshaling
	ProbeIntervalRaw  string `yaml:"probe_interval"`
	ProbeTimeoutRaw   string `yaml:"probe_timeout"`
	CommandTimeoutRaw string `yaml:"command_timeout"`
}

// ReconnectConfig holds the backoff parameters for agent connections.
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"-"`
	MaxDelay  time.Duration `yaml:"-"`
	Jitter    float64       `yaml:"jitter"`

	BaseDelayRaw string `yaml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay"`
}

// DiscoveryConfig holds discovery configuration.
type DiscoveryConfig struct {
	Interval time.Duration `yaml:"-"`
	Static   []StaticNode  `yaml:"static"`
	Scan     ScanConfig    `yaml:"scan"`

	IntervalRaw string `yaml:"interval"`
}

// ScanConfig holds mDNS LAN scan discovery configuration. Service and
// timeout fall back to the scan strategy's own defaults when unset.
type ScanConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// StaticNode is a statically configured agent endpoint for discovery.
type StaticNode struct {
	NodeIdentifier string   `yaml:"node_identifier"`
	Endpoint       string   `yaml:"endpoint"`
	Capabilities   []string `yaml:"capabilities"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued tunables.
func (c *Config) applyDefaults() {
	if c.Fleet.ProbeInterval == 0 {
		c.Fleet.ProbeInterval = DefaultProbeInterval
	}
	if c.Fleet.ProbeTimeout == 0 {
		c.Fleet.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Fleet.CommandTimeout == 0 {
		c.Fleet.CommandTimeout = DefaultCommandTimeout
	}
	if c.Fleet.FailureThreshold == 0 {
		c.Fleet.FailureThreshold = DefaultFailureThreshold
	}
	if c.Fleet.QueueSize == 0 {
		c.Fleet.QueueSize = DefaultQueueSize
	}
	if c.Fleet.Reconnect.BaseDelay == 0 {
		c.Fleet.Reconnect.BaseDelay = DefaultReconnectBase
	}
	if c.Fleet.Reconnect.MaxDelay == 0 {
		c.Fleet.Reconnect.MaxDelay = DefaultReconnectMax
	}
	if c.Fleet.Reconnect.Jitter == 0 {
		c.Fleet.Reconnect.Jitter = DefaultReconnectJitter
	}
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = DefaultDiscoveryInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.FleetSecret == "" {
		return fmt.Errorf("auth.fleet_secret is required")
	}
	if c.Fleet.Reconnect.Jitter < 0 || c.Fleet.Reconnect.Jitter > 1 {
		return fmt.Errorf("fleet.reconnect.jitter must be between 0 and 1")
	}
	for i, n := range c.Discovery.Static {
		if n.NodeIdentifier == "" {
			return fmt.Errorf("discovery.static[%d].node_identifier is required", i)
		}
		if n.Endpoint == "" {
			return fmt.Errorf("discovery.static[%d].endpoint is required", i)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Fleet.ProbeIntervalRaw, &cfg.Fleet.ProbeInterval, "probe_interval"},
		{cfg.Fleet.ProbeTimeoutRaw, &cfg.Fleet.ProbeTimeout, "probe_timeout"},
		{cfg.Fleet.CommandTimeoutRaw, &cfg.Fleet.CommandTimeout, "command_timeout"},
		{cfg.Fleet.Reconnect.BaseDelayRaw, &cfg.Fleet.Reconnect.BaseDelay, "reconnect.base_delay"},
		{cfg.Fleet.Reconnect.MaxDelayRaw, &cfg.Fleet.Reconnect.MaxDelay, "reconnect.max_delay"},
		{cfg.Discovery.IntervalRaw, &cfg.Discovery.Interval, "discovery.interval"},
		{cfg.Discovery.Scan.TimeoutRaw, &cfg.Discovery.Scan.Timeout, "discovery.scan.timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
