// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML gateway config, TOML client config, env var expansion and durations

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:9090"
  allowed_origins: ["localhost:*"]

database:
  path: "./test.db"

agents:
  builtin: ["drafter"]
  heartbeat_interval: "15s"
  heartbeat_timeout: "45s"
  agent_timeout: "2m"
  reconnect_grace_period: "1m"

sessions:
  rate_per_second: 5
  burst: 10
  dedupe_ttl: "1m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "localhost:*" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if len(cfg.Agents.Builtin) != 1 || cfg.Agents.Builtin[0] != "drafter" {
		t.Errorf("Agents.Builtin = %v", cfg.Agents.Builtin)
	}

	durations := map[string][2]time.Duration{
		"heartbeat_interval":     {cfg.Agents.HeartbeatInterval, 15 * time.Second},
		"heartbeat_timeout":      {cfg.Agents.HeartbeatTimeout, 45 * time.Second},
		"agent_timeout":          {cfg.Agents.AgentTimeout, 2 * time.Minute},
		"reconnect_grace_period": {cfg.Agents.ReconnectGracePeriod, time.Minute},
		"dedupe_ttl":             {cfg.Sessions.DedupeTTL, time.Minute},
	}
	for name, d := range durations {
		if d[0] != d[1] {
			t.Errorf("%s = %v, want %v", name, d[0], d[1])
		}
	}

	if cfg.Sessions.RatePerSecond != 5 || cfg.Sessions.Burst != 10 {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Sessions.MaxFrameBytes != 1<<20 {
		t.Errorf("Sessions.MaxFrameBytes default not kept: %d", cfg.Sessions.MaxFrameBytes)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("logging:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	def := Default()
	if cfg.Server.HTTPAddr != def.Server.HTTPAddr {
		t.Errorf("HTTPAddr = %q, want default %q", cfg.Server.HTTPAddr, def.Server.HTTPAddr)
	}
	if cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.ReconnectGracePeriod != 30*time.Second {
		t.Errorf("ReconnectGracePeriod = %v, want 30s", cfg.Agents.ReconnectGracePeriod)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "super-secret")
	t.Setenv("RELAY_TEST_ADDR", "127.0.0.1:7000")

	cfg, err := Parse([]byte(`
server:
  http_addr: "${RELAY_TEST_ADDR}"
auth:
  jwt_secret: "${RELAY_TEST_SECRET}"
database:
  path: "${RELAY_TEST_UNSET_VAR}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "" {
		t.Errorf("unset var should expand to empty, got %q", cfg.Database.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"invalid yaml", "server: [unclosed", "parsing config file"},
		{"invalid duration", "agents:\n  heartbeat_interval: soon\n", "heartbeat_interval"},
		{"timeout below interval", "agents:\n  heartbeat_interval: 60s\n  heartbeat_timeout: 30s\n", "heartbeat_timeout"},
		{"missing address", "server:\n  http_addr: \"\"\n", "server.http_addr"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"burst without room", "sessions:\n  rate_per_second: 5\n  burst: 0\n", "sessions.burst"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_TailscaleWithoutHTTPAddr(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  http_addr: \"\"\ntailscale:\n  enabled: true\n  hostname: relay\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !cfg.Tailscale.Enabled || cfg.Tailscale.Hostname != "relay" {
		t.Errorf("Tailscale = %+v", cfg.Tailscale)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_A", "1")
	got := expandEnvVars("a=${RELAY_A} b=${RELAY_B_UNSET} c=$RELAY_A")
	if got != "a=1 b= c=$RELAY_A" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "tok")
	path := writeFile(t, "client.toml", `
[server]
url = "ws://localhost:8080/ws"
token = "${RELAY_TEST_TOKEN}"

[client]
id = "desk-1"
capabilities = ["stream"]

[reconnect]
base_delay = "500ms"
max_delay = "10s"
max_attempts = 3
grace_period = "-1s"

[heartbeat]
interval = "20s"
multiple = 3

[timeouts]
submit = "2m"

[archive]
path = "/tmp/relay-archive.db"
`)

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	opts := cfg.ClientOptions()
	if opts.URL != "ws://localhost:8080/ws" || opts.Token != "tok" || opts.ClientID != "desk-1" {
		t.Errorf("identity = %q %q %q", opts.URL, opts.Token, opts.ClientID)
	}
	if opts.BaseDelay != 500*time.Millisecond || opts.MaxDelay != 10*time.Second || opts.MaxAttempts != 3 {
		t.Errorf("backoff = %v %v %d", opts.BaseDelay, opts.MaxDelay, opts.MaxAttempts)
	}
	if opts.ReconnectGracePeriod != -time.Second {
		t.Errorf("ReconnectGracePeriod = %v", opts.ReconnectGracePeriod)
	}
	if opts.HeartbeatInterval != 20*time.Second || opts.HeartbeatMultiple != 3 {
		t.Errorf("heartbeat = %v x%d", opts.HeartbeatInterval, opts.HeartbeatMultiple)
	}
	if opts.Timeouts[protocol.TypeRequestSubmit] != 2*time.Minute {
		t.Errorf("submit timeout = %v", opts.Timeouts[protocol.TypeRequestSubmit])
	}
	if opts.Timeouts[protocol.TypeConnectionInit] != 10*time.Second {
		t.Errorf("init timeout default lost: %v", opts.Timeouts[protocol.TypeConnectionInit])
	}
	if cfg.Archive.Path != "/tmp/relay-archive.db" {
		t.Errorf("Archive.Path = %q", cfg.Archive.Path)
	}
}

func TestLoadClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing url", "[client]\nid = \"x\"\n", "server.url"},
		{"bad scheme", "[server]\nurl = \"ftp://host\"\n", "scheme"},
		{"bad duration", "[server]\nurl = \"ws://h/ws\"\n[reconnect]\nbase_delay = \"soon\"\n", "parsing config"},
		{"max below base", "[server]\nurl = \"ws://h/ws\"\n[reconnect]\nbase_delay = \"5s\"\nmax_delay = \"1s\"\n", "max_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClient(tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
