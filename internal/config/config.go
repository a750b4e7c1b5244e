// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// token checks on connection.init.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// AllowedOrigins are host patterns accepted on the websocket upgrade.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the artifact database location. Empty disables
// persistence.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent timing and the built-in workers to register.
type AgentsConfig struct {
	Builtin []string `yaml:"builtin"`

	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatTimeout     time.Duration `yaml:"-"`
	AgentTimeout         time.Duration `yaml:"-"`
	ReconnectGracePeriod time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw    string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw     string `yaml:"heartbeat_timeout"`
	AgentTimeoutRaw         string `yaml:"agent_timeout"`
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period"`
}

// SessionsConfig bounds what one client session may send.
type SessionsConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	MaxFrameBytes int64   `yaml:"max_frame_bytes"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs locally with the built-in agents.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Path: "./relay.db"},
		Agents: AgentsConfig{
			Builtin:                 []string{"drafter", "reviewer"},
			HeartbeatInterval:       30 * time.Second,
			HeartbeatTimeout:        90 * time.Second,
			AgentTimeout:            5 * time.Minute,
			ReconnectGracePeriod:    30 * time.Second,
			HeartbeatIntervalRaw:    "30s",
			HeartbeatTimeoutRaw:     "90s",
			AgentTimeoutRaw:         "5m",
			ReconnectGracePeriodRaw: "30s",
		},
		Sessions: SessionsConfig{
			RatePerSecond: 20,
			Burst:         40,
			MaxFrameBytes: 1 << 20,
			DedupeTTL:     5 * time.Minute,
			DedupeTTLRaw:  "5m",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Fields absent from the file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Agents.HeartbeatInterval <= 0 {
		return errors.New("agents.heartbeat_interval must be positive")
	}
	if c.Agents.HeartbeatTimeout < c.Agents.HeartbeatInterval {
		return errors.New("agents.heartbeat_timeout must not be shorter than heartbeat_interval")
	}
	if c.Agents.AgentTimeout <= 0 {
		return errors.New("agents.agent_timeout must be positive")
	}

	if c.Sessions.RatePerSecond < 0 {
		return errors.New("sessions.rate_per_second must not be negative")
	}
	if c.Sessions.RatePerSecond > 0 && c.Sessions.Burst < 1 {
		return errors.New("sessions.burst must be at least 1 when rate limiting")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"agent_timeout", cfg.Agents.AgentTimeoutRaw, &cfg.Agents.AgentTimeout},
		{"reconnect_grace_period", cfg.Agents.ReconnectGracePeriodRaw, &cfg.Agents.ReconnectGracePeriod},
		{"dedupe_ttl", cfg.Sessions.DedupeTTLRaw, &cfg.Sessions.DedupeTTL},
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
