// ABOUTME: Gateway orchestrator that serves the client websocket endpoint and HTTP API
// ABOUTME: Manages sessions, agent dispatch, the artifact store and the server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

// ServerVersion is reported in connection.ack.
const ServerVersion = "0.1.0"

// DefaultHandshakeTimeout bounds the wait for connection.init.
const DefaultHandshakeTimeout = 10 * time.Second

// Options carries the collaborators a Gateway needs beyond its config.
type Options struct {
	// Agents dispatches requests. Built from config.Agents.Builtin when nil.
	Agents *agent.Manager
	// Store receives finalized artifacts. Opened from config.Database when nil;
	// no persistence if the path is empty too.
	Store store.ArtifactStore
	// Verifier checks connection.init tokens. Built from config.Auth when nil.
	Verifier auth.TokenVerifier
	Clock    clock.Clock
	Logger   *slog.Logger
	// HandshakeTimeout overrides DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// Gateway orchestrates the relay server components.
type Gateway struct {
	config     *config.Config
	agents     *agent.Manager
	selector   *agent.Router
	store      store.ArtifactStore
	verifier   auth.TokenVerifier
	clk        clock.Clock
	logger     *slog.Logger
	handshake  time.Duration
	httpServer *http.Server
	mux        *http.ServeMux

	tsnetServer *tsnet.Server

	sessions *sessionTable
	runs     *runTable

	reaperMu    sync.Mutex
	reaperTimer clock.Timer
	reaperGen   uint64
}

// New wires a Gateway from cfg. The returned gateway owns the store it opened.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	agents := opts.Agents
	if agents == nil {
		var err error
		agents, err = builtinAgents(cfg.Agents, logger)
		if err != nil {
			return nil, err
		}
	}

	st := opts.Store
	if st == nil && cfg.Database.Path != "" {
		var err error
		st, err = initStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	verifier := opts.Verifier
	if verifier == nil && cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).WithTimeFunc(clk.Now)
	}
	if verifier == nil {
		logger.Warn("auth.jwt_secret not set, accepting connections without a token")
	}

	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}

	g := &Gateway{
		config:    cfg,
		agents:    agents,
		selector:  agent.NewRouter(),
		store:     st,
		verifier:  verifier,
		clk:       clk,
		logger:    logger,
		handshake: handshake,
		sessions:  newSessionTable(),
	}
	g.runs = newRunTable(clk, cfg.Agents.ReconnectGracePeriod, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("GET /api/artifacts", g.handleListArtifacts)
	mux.HandleFunc("GET /api/artifacts/{id}", g.handleGetArtifact)
	g.mux = mux

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// builtinAgents registers the named demo workers.
func builtinAgents(cfg config.AgentsConfig, logger *slog.Logger) (*agent.Manager, error) {
	mgr := agent.NewManager(cfg.AgentTimeout, logger)
	for _, name := range cfg.Builtin {
		var w agent.Worker
		switch name {
		case "drafter":
			w = &agent.Drafter{Pace: 50 * time.Millisecond}
		case "reviewer":
			w = &agent.Reviewer{Pace: 100 * time.Millisecond}
		default:
			return nil, fmt.Errorf("unknown builtin agent %q", name)
		}
		if err := mgr.Register(w); err != nil {
			return nil, fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return mgr, nil
}

// initStore opens the SQLite artifact store named by config or RELAY_DB_PATH.
func initStore(cfg *config.Config) (store.ArtifactStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// Handler returns the HTTP handler serving every gateway endpoint.
func (g *Gateway) Handler() http.Handler { return g.mux }

// Agents returns the agent manager.
func (g *Gateway) Agents() *agent.Manager { return g.agents }

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, transport.AcceptOptions{
		ReadLimit:      g.config.Sessions.MaxFrameBytes,
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.ServeConn(r.Context(), conn)
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.StartReaper()

	grp.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return grp.Wait()
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on its port 80.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every session and cancels running
// requests, then releases the store and tailscale node.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.StopReaper()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	for _, s := range g.sessions.list() {
		s.close("server shutting down")
	}
	g.runs.cancelAll()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.agents.List()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}
