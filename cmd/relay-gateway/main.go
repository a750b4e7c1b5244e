// ABOUTME: Entry point for the relay gateway server
// ABOUTME: Serves the client websocket endpoint and provides setup, token and health commands

package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const appDir = "coven-relay"

const defaultTokenTTL = 30 * 24 * time.Hour

type command struct {
	name  string
	args  string
	about string
	run   func(ctx context.Context, args []string) error
}

func commands() []command {
	return []command{
		{"serve", "", "Run the gateway until interrupted", func(ctx context.Context, _ []string) error { return runServe(ctx) }},
		{"init", "", "Write a gateway.yaml interactively", func(context.Context, []string) error { return runInit(os.Stdin) }},
		{"token", "--principal NAME [--ttl 720h]", "Sign a client token with auth.jwt_secret", func(_ context.Context, args []string) error { return runToken(args) }},
		{"health", "", "Check /health on the configured address", func(ctx context.Context, _ []string) error { return printEndpoint(ctx, "/health") }},
		{"agents", "", "Show the agents a running gateway offers", func(ctx context.Context, _ []string) error { return printEndpoint(ctx, "/api/agents") }},
		{"version", "", "Print the build version", func(context.Context, []string) error { fmt.Println(version); return nil }},
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: relay-gateway <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-8s %-30s %s\n", c.name, c.args, c.about)
	}
	fmt.Fprintf(w, "\nconfig: %s (override with RELAY_CONFIG)\n", configPath())
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, c := range commands() {
		if c.name != os.Args[1] {
			continue
		}
		if err := c.run(ctx, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "relay-gateway %s: %v\n", c.name, err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "relay-gateway: unknown command %q\n\n", os.Args[1])
	usage(os.Stderr)
	os.Exit(2)
}

// xdgDir resolves an XDG base directory, falling back to a path under $HOME.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

func configPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appDir, "gateway.yaml")
}

func dataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appDir)
}

// fact is one line of the startup summary.
type fact struct {
	label string
	value string
	warn  bool
}

func startupFacts(cfg *config.Config, path string) []fact {
	facts := []fact{{label: "config", value: path}}
	if cfg.Tailscale.Enabled {
		node := cfg.Tailscale.Hostname
		if cfg.Tailscale.Ephemeral {
			node += " (ephemeral)"
		}
		facts = append(facts, fact{label: "tailnet", value: node})
	} else {
		facts = append(facts, fact{label: "clients", value: "ws://" + cfg.Server.HTTPAddr + "/ws"})
	}
	facts = append(facts, fact{label: "agents", value: strings.Join(cfg.Agents.Builtin, ", ")})
	if cfg.Database.Path != "" {
		facts = append(facts, fact{label: "artifacts", value: cfg.Database.Path})
	} else {
		facts = append(facts, fact{label: "artifacts", value: "not persisted", warn: true})
	}
	if cfg.Auth.JWTSecret == "" {
		facts = append(facts, fact{label: "auth", value: "off, any client may connect", warn: true})
	}
	facts = append(facts, fact{label: "heartbeat", value: fmt.Sprintf("%s, reap after %s", cfg.Agents.HeartbeatInterval, cfg.Agents.HeartbeatTimeout)})
	return facts
}

func printFacts(w io.Writer, facts []fact) {
	label := color.New(color.FgHiBlack)
	warn := color.New(color.FgYellow)
	for _, f := range facts {
		label.Fprintf(w, "  %-10s ", f.label)
		if f.warn {
			warn.Fprintln(w, f.value)
			continue
		}
		fmt.Fprintln(w, f.value)
	}
	fmt.Fprintln(w)
}

func runServe(ctx context.Context) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	color.New(color.FgCyan, color.Bold).Printf("relay-gateway %s\n", version)
	printFacts(os.Stdout, startupFacts(cfg, path))

	logger.Info("starting relay-gateway", "config", path, "http_addr", cfg.Server.HTTPAddr, "version", version)

	gw, err := gateway.New(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// printEndpoint fetches path from the configured address and prints the body.
func printEndpoint(ctx context.Context, path string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Server.HTTPAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// parseTokenArgs accepts --principal/-p and --ttl, as "--flag value" or "--flag=value".
func parseTokenArgs(args []string) (principal string, ttl time.Duration, err error) {
	ttl = defaultTokenTTL
	for i := 0; i < len(args); i++ {
		name, value, inline := strings.Cut(args[i], "=")
		if name != "--principal" && name != "-p" && name != "--ttl" {
			return "", 0, fmt.Errorf("unexpected argument %q", args[i])
		}
		if !inline {
			if i+1 >= len(args) {
				return "", 0, fmt.Errorf("%s needs a value", name)
			}
			i++
			value = args[i]
		}
		if name != "--ttl" {
			principal = strings.TrimSpace(value)
			continue
		}
		ttl, err = time.ParseDuration(value)
		if err != nil || ttl <= 0 {
			return "", 0, fmt.Errorf("--ttl wants a positive duration, got %q", value)
		}
	}
	if principal == "" {
		return "", 0, errors.New("--principal is required")
	}
	return principal, ttl, nil
}

func runToken(args []string) error {
	principal, ttl, err := parseTokenArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is empty, so the gateway accepts clients without tokens")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(principal, ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "token for %s valid until %s\n", principal, time.Now().Add(ttl).UTC().Format(time.DateOnly))
	fmt.Println(token)
	return nil
}

// initAnswers collects what runInit asks for.
type initAnswers struct {
	HTTPAddr    string
	DBPath      string
	Secret      string
	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSEphemeral bool
	LogLevel    string
	LogFormat   string
}

// renderConfig produces a gateway.yaml from the defaults and a, and checks
// that it parses back.
func renderConfig(a initAnswers) ([]byte, error) {
	cfg := config.Default()
	cfg.Server.HTTPAddr = a.HTTPAddr
	cfg.Database.Path = a.DBPath
	cfg.Auth.JWTSecret = a.Secret
	cfg.Tailscale = config.TailscaleConfig{
		Enabled:   a.Tailscale,
		Hostname:  a.TSHostname,
		AuthKey:   a.TSAuthKey,
		Ephemeral: a.TSEphemeral,
	}
	cfg.Logging = config.LoggingConfig{Level: a.LogLevel, Format: a.LogFormat}

	var buf bytes.Buffer
	buf.WriteString("# relay-gateway configuration, written by relay-gateway init\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if _, err := config.Parse(buf.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func runInit(in io.Reader) error {
	ask := asker(bufio.NewReader(in))

	out := ask("write config to", configPath())
	if _, err := os.Stat(out); err == nil && !yes(ask(out+" exists, replace it?", "no")) {
		fmt.Println("left unchanged")
		return nil
	}

	a := initAnswers{
		HTTPAddr: ask("listen address", "127.0.0.1:8080"),
		DBPath:   ask("artifact database (empty keeps nothing)", filepath.Join(dataDir(), "relay.db")),
	}
	if yes(ask("require client tokens?", "yes")) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating jwt secret: %w", err)
		}
		a.Secret = base64.StdEncoding.EncodeToString(secret)
	}
	if a.Tailscale = yes(ask("serve on a tailnet?", "no")); a.Tailscale {
		a.TSHostname = ask("tailnet hostname", "coven-relay")
		a.TSAuthKey = ask("auth key (empty reads TS_AUTHKEY)", "")
		a.TSEphemeral = yes(ask("ephemeral node?", "no"))
	}
	a.LogLevel = ask("log level", "info")
	a.LogFormat = ask("log format (text or json)", "text")

	data, err := renderConfig(a)
	if err != nil {
		return fmt.Errorf("answers do not make a valid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(out, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if a.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.DBPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	color.New(color.FgGreen).Printf("wrote %s\n", out)
	fmt.Println("next: relay-gateway serve")
	if a.Secret != "" {
		fmt.Println("then: relay-gateway token --principal <name>, and put it in client.toml")
	}
	return nil
}

func yes(answer string) bool {
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}

// asker returns a prompt func that falls back to def on empty input or EOF.
func asker(r *bufio.Reader) func(question, def string) string {
	return func(question, def string) string {
		if def != "" {
			fmt.Printf("%s [%s]: ", question, def)
		} else {
			fmt.Printf("%s: ", question)
		}
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			fmt.Println()
			return def
		}
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
		return def
	}
}
