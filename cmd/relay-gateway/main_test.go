// ABOUTME: Tests for the relay-gateway command helpers
// ABOUTME: Covers token flag parsing, config rendering, path resolution and the startup summary

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
)

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		principal string
		ttl       time.Duration
		wantErr   string
	}{
		{name: "separate value", args: []string{"--principal", "alice"}, principal: "alice", ttl: defaultTokenTTL},
		{name: "inline values", args: []string{"-p=bob", "--ttl=1h"}, principal: "bob", ttl: time.Hour},
		{name: "ttl first", args: []string{"--ttl", "90m", "-p", "carol"}, principal: "carol", ttl: 90 * time.Minute},
		{name: "missing principal", args: []string{"--ttl", "1h"}, wantErr: "--principal is required"},
		{name: "dangling flag", args: []string{"--principal"}, wantErr: "needs a value"},
		{name: "bad ttl", args: []string{"-p", "x", "--ttl", "-5m"}, wantErr: "positive duration"},
		{name: "stray argument", args: []string{"alice"}, wantErr: "unexpected argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			principal, ttl, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.principal, principal)
			assert.Equal(t, tt.ttl, ttl)
		})
	}
}

func TestRenderConfig(t *testing.T) {
	data, err := renderConfig(initAnswers{
		HTTPAddr:  "0.0.0.0:9090",
		DBPath:    "/var/lib/relay/relay.db",
		Secret:    "c2VjcmV0",
		LogLevel:  "debug",
		LogFormat: "json",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# relay-gateway configuration"))

	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/relay/relay.db", cfg.Database.Path)
	assert.Equal(t, "c2VjcmV0", cfg.Auth.JWTSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"drafter", "reviewer"}, cfg.Agents.Builtin)
	assert.Equal(t, 30*time.Second, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.DedupeTTL)
	assert.False(t, cfg.Tailscale.Enabled)
}

func TestRenderConfig_WithoutAuthOrStorage(t *testing.T) {
	data, err := renderConfig(initAnswers{HTTPAddr: "127.0.0.1:8080", LogLevel: "info", LogFormat: "text"})
	require.NoError(t, err)

	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Database.Path)
}

func TestRenderConfig_RejectsInvalidAnswers(t *testing.T) {
	_, err := renderConfig(initAnswers{HTTPAddr: "", LogLevel: "info", LogFormat: "text"})
	require.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	assert.Equal(t, filepath.Join("/xdg/config", "coven-relay", "gateway.yaml"), configPath())

	t.Setenv("RELAY_CONFIG", "/etc/relay.yaml")
	assert.Equal(t, "/etc/relay.yaml", configPath())

	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	assert.Equal(t, filepath.Join("/xdg/data", "coven-relay"), dataDir())
}

func TestStartupFacts(t *testing.T) {
	color.NoColor = true
	cfg := config.Default()
	cfg.Database.Path = ""

	var buf bytes.Buffer
	printFacts(&buf, startupFacts(cfg, "/tmp/gateway.yaml"))
	out := buf.String()

	assert.Contains(t, out, "ws://127.0.0.1:8080/ws")
	assert.Contains(t, out, "drafter, reviewer")
	assert.Contains(t, out, "not persisted")
	assert.Contains(t, out, "off, any client may connect")
	assert.Contains(t, out, "30s, reap after 1m30s")

	cfg.Tailscale = config.TailscaleConfig{Enabled: true, Hostname: "relay", Ephemeral: true}
	cfg.Auth.JWTSecret = "s"
	facts := startupFacts(cfg, "x")
	assert.Equal(t, fact{label: "tailnet", value: "relay (ephemeral)"}, facts[1])
	for _, f := range facts {
		assert.NotEqual(t, "auth", f.label)
	}
}
