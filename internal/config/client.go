// ABOUTME: TOML configuration for relay-client
// ABOUTME: Converts the file's reconnect, heartbeat and timeout settings into client.Config

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/coven-relay/internal/client"
	"github.com/2389/coven-relay/internal/correlation"
	"github.com/2389/coven-relay/internal/protocol"
)

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ClientConfig is the relay-client configuration file.
type ClientConfig struct {
	Server    ClientServerConfig `toml:"server"`
	Client    ClientIDConfig     `toml:"client"`
	Reconnect ReconnectConfig    `toml:"reconnect"`
	Heartbeat HeartbeatConfig    `toml:"heartbeat"`
	Timeouts  TimeoutsConfig     `toml:"timeouts"`
	Archive   ArchiveConfig      `toml:"archive"`
	Logging   LoggingConfig      `toml:"logging"`
}

type ClientServerConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type ClientIDConfig struct {
	ID           string   `toml:"id"`
	Capabilities []string `toml:"capabilities"`
}

type ReconnectConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	GracePeriod Duration `toml:"grace_period"`
}

type HeartbeatConfig struct {
	Interval Duration `toml:"interval"`
	Multiple int      `toml:"multiple"`
}

type TimeoutsConfig struct {
	Dial   Duration `toml:"dial"`
	Write  Duration `toml:"write"`
	Init   Duration `toml:"init"`
	Submit Duration `toml:"submit"`
}

// ArchiveConfig enables a local SQLite copy of reassembled sections.
type ArchiveConfig struct {
	Path string `toml:"path"`
}

// LoadClient reads a client TOML file, expanding ${VAR} references.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseClient(string(data))
}

// ParseClient decodes client TOML content.
func ParseClient(data string) (*ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.Decode(expandEnvVars(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that required config fields are present and valid.
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("server.url must use ws, wss, http or https scheme")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.MaxDelay.Duration > 0 && c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		return errors.New("reconnect.max_delay must not be shorter than base_delay")
	}
	return nil
}

// ClientOptions converts the file into client.Config. Zero values are left
// for the client to default.
func (c *ClientConfig) ClientOptions() client.Config {
	timeouts := correlation.DefaultTimeouts()
	if c.Timeouts.Init.Duration > 0 {
		timeouts[protocol.TypeConnectionInit] = c.Timeouts.Init.Duration
	}
	if c.Timeouts.Submit.Duration > 0 {
		timeouts[protocol.TypeRequestSubmit] = c.Timeouts.Submit.Duration
	}
	return client.Config{
		URL:                  c.Server.URL,
		Token:                c.Server.Token,
		ClientID:             c.Client.ID,
		Capabilities:         c.Client.Capabilities,
		HeartbeatInterval:    c.Heartbeat.Interval.Duration,
		HeartbeatMultiple:    c.Heartbeat.Multiple,
		BaseDelay:            c.Reconnect.BaseDelay.Duration,
		MaxDelay:             c.Reconnect.MaxDelay.Duration,
		MaxAttempts:          c.Reconnect.MaxAttempts,
		ReconnectGracePeriod: c.Reconnect.GracePeriod.Duration,
		DialTimeout:          c.Timeouts.Dial.Duration,
		WriteTimeout:         c.Timeouts.Write.Duration,
		Timeouts:             timeouts,
	}
}
