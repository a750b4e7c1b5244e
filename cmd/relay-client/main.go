// ABOUTME: Interactive terminal client for the relay gateway
// ABOUTME: Drives the connection manager from typed commands and prints streamed agent output

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"


	"github.com/2389/coven-relay/internal/client"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// Version is set at build time.
var version = "dev"

const sampleConfig = `# relay-client configuration

[server]
url = "ws://127.0.0.1:8080/ws"
token = "${RELAY_TOKEN}"

[client]
# id = "my-laptop"

[reconnect]
base_delay = "1s"
max_delay = "30s"
max_attempts = 10
grace_period = "30s"

[heartbeat]
interval = "30s"
multiple = 2

[timeouts]
dial = "10s"
submit = "30s"

[archive]
# path = "~/.local/share/coven-relay/client.db"

[logging]
level = "warn"
format = "text"
`

// getConfigPath returns the client config path.
// Priority: --config flag > RELAY_CLIENT_CONFIG > XDG_CONFIG_HOME/coven-relay/client.toml > ~/.config/coven-relay/client.toml
func getConfigPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if envPath := os.Getenv("RELAY_CLIENT_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "client.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven-relay", "client.toml")
}

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "run":
		err = run(ctx, getConfigPath(args), os.Stdin, os.Stdout)
	case "init":
		err = runInit(getConfigPath(args))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprintln(os.Stderr, "Usage: relay-client [run|init|version] [--config PATH]")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	fmt.Printf("Config written to %s\n", path)
	fmt.Println("Issue a token with `relay-gateway token --principal you` and export it as RELAY_TOKEN.")
	return nil
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, configPath string, in io.Reader, out io.Writer) error {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	opts := cfg.ClientOptions()
	opts.Dialer = transport.WebSocketDialer{}
	opts.Logger = logger
	m := client.New(opts)
	defer m.Close()

	var archive store.ArtifactSink
	if cfg.Archive.Path != "" {
		st, err := store.NewSQLiteStore(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer st.Close()
		archive = st
	}

	ui := newConsole(out, m, archive)
	ui.banner(cfg.Server.URL)

	if err := m.Connect(ctx); err != nil {
		return err
	}
	go ui.watch(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := ui.command(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				ui.failf("%v", err)
			}
		}
	}
}

