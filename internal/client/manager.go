// ABOUTME: Connection manager: owns the transport, drives the connection state machine and reconnect backoff
// ABOUTME: Every mutation runs on one loop goroutine; timers, frames and API calls are posted onto it

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/2389/coven-relay/internal/assembly"
	"github.com/2389/coven-relay/internal/broadcast"
	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/correlation"
	"github.com/2389/coven-relay/internal/heartbeat"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/status"
	"github.com/2389/coven-relay/internal/transport"
)

const (
	opsBuffer       = 1024
	stateBuffer     = 64
	artifactBuffer  = 64
	errorBuffer     = 64
	terminateReason = "client disconnect"
)

// Manager is the client connection context. It is the only holder of the
// transport; the registry, tracker, assembler and router hang off it.
type Manager struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	registry  *correlation.Registry
	tracker   *status.Tracker
	assembler *assembly.Assembler
	bus       *broadcast.Broadcaster
	router    *router.Router
	heartbeat *heartbeat.Monitor
	backoff   *backoff.ExponentialBackOff

	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	closing  sync.Once

	states    chan StateChange
	artifacts chan assembly.Artifact
	errs      chan router.ErrorEvent

	// Loop-owned.
	state          State
	conn           transport.Conn
	gen            uint64
	linkCancel     context.CancelFunc
	explicit       bool
	attempt        int
	lastDelay      time.Duration
	reconnectTimer clock.Timer
	reconnectSeq   uint64
	graceTimer     clock.Timer
	graceSeq       uint64
	sweepTimer     clock.Timer
	sweepAt        time.Time
	handshake      *correlation.Future
	session        Session
	violations     []time.Time

	// Snapshots for readers outside the loop.
	mu       sync.RWMutex
	snap     Stats
	snapSess *Session
	ready    chan struct{}
}

// New creates a Disconnected manager and starts its loop. Call Close to stop it.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "connection")

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		clk:       cfg.Clock,
		logger:    logger,
		registry:  correlation.NewRegistry(correlation.WithStrict(cfg.Strict), correlation.WithLogger(cfg.Logger)),
		tracker:   status.NewTracker(cfg.Logger),
		assembler: assembly.New(cfg.Logger),
		bus:       broadcast.New(cfg.Logger),
		ops:       make(chan func(), opsBuffer),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		states:    make(chan StateChange, stateBuffer),
		artifacts: make(chan assembly.Artifact, artifactBuffer),
		errs:      make(chan router.ErrorEvent, errorBuffer),
		ready:     make(chan struct{}),
	}

	m.backoff = backoff.NewExponentialBackOff()
	m.backoff.InitialInterval = cfg.BaseDelay
	m.backoff.MaxInterval = cfg.MaxDelay
	m.backoff.Multiplier = 2
	m.backoff.RandomizationFactor = 0
	m.backoff.Reset()

	m.router = router.New(router.Config{
		Registry:    m.registry,
		Tracker:     m.tracker,
		Assembler:   m.assembler,
		Broadcaster: m.bus,
		OnAck:       m.onAck,
		OnPong:      func(*protocol.Envelope) { m.heartbeat.Pong() },
		OnArtifact:  m.onArtifact,
		Errors:      m.errs,
		Logger:      cfg.Logger,
	})

	m.heartbeat = heartbeat.New(heartbeat.Config{
		Interval:  cfg.HeartbeatInterval,
		Multiple:  cfg.HeartbeatMultiple,
		Clock:     m.clk,
		Send:      m.sendPing,
		OnTimeout: func() { m.linkLost(m.gen, ErrHeartbeatTimeout) },
		Exec:      func(f func()) { m.post(f) },
		Logger:    cfg.Logger,
	})

	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.quit:
			return
		}
	}
}

// post queues f on the loop. Returns false once the manager is closed.
func (m *Manager) post(f func()) bool {
	select {
	case m.ops <- f:
		return true
	case <-m.quit:
		return false
	}
}

// call runs f on the loop and waits for it to finish.
func (m *Manager) call(ctx context.Context, f func()) error {
	done := make(chan struct{})
	if !m.post(func() { f(); close(done) }) {
		return ErrManagerClosed
	}
	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientID returns the identity that survives reconnects.
func (m *Manager) ClientID() string { return m.cfg.ClientID }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

// Stats returns reconnect and protocol bookkeeping.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	s := m.snap
	m.mu.RUnlock()
	s.Pending = m.registry.Len()
	return s
}

// Session returns the acknowledged session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapSess == nil {
		return Session{}, false
	}
	return *m.snapSess, true
}

// AwaitSession blocks until a handshake is acknowledged or ctx ends.
func (m *Manager) AwaitSession(ctx context.Context) (Session, error) {
	for {
		m.mu.RLock()
		ready := m.ready
		sess := m.snapSess
		m.mu.RUnlock()
		if sess != nil {
			return *sess, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-m.loopDone:
			return Session{}, ErrManagerClosed
		}
	}
}

// StateChanges delivers every transition. Slow readers miss changes.
func (m *Manager) StateChanges() <-chan StateChange { return m.states }

// Artifacts delivers every reassembled content section.
func (m *Manager) Artifacts() <-chan assembly.Artifact { return m.artifacts }

// Errors delivers server errors, uncorrelated failures, incomplete streams
// and the terminal reconnect error.
func (m *Manager) Errors() <-chan router.ErrorEvent { return m.errs }

// Subscribe registers a generic subscriber for routed events.
func (m *Manager) Subscribe(ctx context.Context, topic string) (<-chan *protocol.Envelope, string) {
	return m.bus.Subscribe(ctx, topic)
}

// AgentStatuses returns the tracked agent records of a request.
func (m *Manager) AgentStatuses(requestID string) []status.Record {
	return m.tracker.Records(requestID)
}

// Connect starts connecting. It is a no-op while Connecting or Connected.
// While Reconnecting the pending backoff timer is cancelled and the dial
// happens immediately; the attempt counter is kept.
func (m *Manager) Connect(ctx context.Context) error {
	return m.call(ctx, func() {
		switch m.state {
		case Connecting, Connected:
			m.logger.Debug("connect ignored", "state", m.state)
		case Reconnecting:
			m.stopReconnectTimer()
			m.dial()
		case Disconnected:
			m.explicit = false
			m.attempt = 0
			m.backoff.Reset()
			m.dial()
		}
	})
}

// Disconnect moves to Disconnected from any state. Every pending request is
// rejected with ErrConnectionClosed before Disconnect returns.
func (m *Manager) Disconnect(ctx context.Context, reason string) error {
	return m.call(ctx, func() { m.disconnect(reason) })
}

// Close disconnects and stops the loop. The notification channels are closed.
func (m *Manager) Close() error {
	m.closing.Do(func() {
		_ = m.call(context.Background(), func() { m.disconnect("client shutdown") })
		close(m.quit)
		<-m.loopDone
		m.cancel()
		m.bus.Close()
		close(m.states)
		close(m.artifacts)
		close(m.errs)
	})
	return nil
}

func (m *Manager) disconnect(reason string) {
	m.explicit = true
	m.stopReconnectTimer()
	m.stopGraceTimer()
	m.stopSweep()

	if m.conn != nil {
		env, err := protocol.NewAt(m.clk.Now(), protocol.TypeConnectionTerminate, m.session.ID, protocol.TerminatePayload{Reason: reason})
		if err == nil {
			if err := m.write(env); err != nil {
				m.logger.Debug("terminate not sent", "error", err)
			}
		}
	}
	m.teardownLink(reason)
	m.setState(Disconnected, nil)

	if n := m.registry.RejectAll(ErrConnectionClosed); n > 0 {
		m.logger.Info("pending requests rejected on disconnect", "count", n, "reason", reason)
	}
}

// dial opens a new transport generation in the background.
func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	m.setState(Connecting, nil)

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	m.linkCancel = cancel
	go func() {
		conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL, m.cfg.Header)
		if !m.post(func() { m.dialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close("client shutdown")
		}
	}()
}

func (m *Manager) dialed(gen uint64, conn transport.Conn, err error) {
	if gen != m.gen || m.state != Connecting {
		if conn != nil {
			_ = conn.Close("superseded")
		}
		return
	}
	if m.linkCancel != nil {
		m.linkCancel()
	}
	if err != nil {
		m.logger.Warn("dial failed", "url", m.cfg.URL, "error", err)
		m.scheduleReconnect(err)
		return
	}

	readCtx, cancel := context.WithCancel(m.ctx)
	m.conn = conn
	m.linkCancel = cancel
	m.violations = nil
	m.setState(Connected, nil)
	go m.readLoop(readCtx, gen, conn)

	m.heartbeat.Start(m.cfg.HeartbeatInterval)
	m.sendHandshake(gen)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.post(func() { m.linkLost(gen, err) })
			return
		}
		if !m.post(func() { m.frame(gen, data) }) {
			return
		}
	}
}

func (m *Manager) sendHandshake(gen uint64) {
	init := protocol.InitPayload{
		ClientID:      m.cfg.ClientID,
		Token:         m.cfg.Token,
		ClientVersion: m.cfg.ClientVersion,
		Capabilities:  m.cfg.Capabilities,
	}
	f, err := m.submit(protocol.TypeConnectionInit, "", init, 0)
	if err != nil {
		m.logger.Warn("handshake not sent", "error", err)
		m.linkLost(gen, err)
		return
	}
	m.handshake = f

	go func() {
		<-f.Done()
		m.post(func() { m.handshakeSettled(gen, f) })
	}()
}

func (m *Manager) handshakeSettled(gen uint64, f *correlation.Future) {
	if gen != m.gen || m.handshake != f {
		return
	}
	m.handshake = nil
	_, err := f.Result()
	if err == nil {
		return
	}

	var remote *protocol.RemoteError
	if errors.As(err, &remote) && !remote.Recoverable {
		m.logger.Error("handshake rejected", "code", remote.Code, "error", err)
		m.fail(fmt.Errorf("handshake rejected: %w", err))
		return
	}
	m.logger.Warn("handshake failed", "error", err)
	m.linkLost(gen, err)
}

// onAck runs on the loop from the router.
func (m *Manager) onAck(env *protocol.Envelope, ack protocol.AckPayload) {
	if m.handshake == nil || env.CorrelationID != m.handshake.ID() {
		m.logger.Warn("ignoring unsolicited connection.ack", "correlation_id", env.CorrelationID)
		return
	}

	interval := time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = m.cfg.HeartbeatInterval
	}
	m.session = Session{
		ID:                ack.SessionID,
		ClientID:          m.cfg.ClientID,
		ServerVersion:     ack.ServerVersion,
		HeartbeatInterval: interval,
		ConnectedAt:       m.clk.Now(),
		AgentsAvailable:   ack.AgentsAvailable,
	}
	m.attempt = 0
	m.backoff.Reset()
	m.stopGraceTimer()
	m.heartbeat.Start(interval)

	m.logger.Info("session established",
		"session_id", ack.SessionID,
		"client_id", m.cfg.ClientID,
		"heartbeat_interval", interval,
		"agents", len(ack.AgentsAvailable),
	)

	sess := m.session
	m.mu.Lock()
	m.snapSess = &sess
	m.snap.Attempt = 0
	close(m.ready)
	m.ready = make(chan struct{})
	m.mu.Unlock()
}

func (m *Manager) onArtifact(art assembly.Artifact) {
	select {
	case m.artifacts <- art:
	default:
		m.logger.Warn("artifact channel full, dropping artifact", "request_id", art.RequestID, "section", art.Section)
	}
}

func (m *Manager) frame(gen uint64, data []byte) {
	if gen != m.gen || m.state != Connected {
		return
	}
	env, err := protocol.Decode(data)
	if err != nil {
		m.violation(err)
		return
	}
	if err := m.router.Dispatch(env); err != nil {
		if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrPayloadMissing) ||
			errors.Is(err, router.ErrUnexpectedDirection) {
			m.violation(err)
		}
	}
	// Settle the handshake before a close that follows a rejection is read.
	if f := m.handshake; f != nil && f.Settled() {
		m.handshakeSettled(gen, f)
	}
}

func (m *Manager) violation(err error) {
	now := m.clk.Now()
	cutoff := now.Add(-m.cfg.ViolationWindow)
	kept := m.violations[:0]
	for _, at := range m.violations {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.violations = append(kept, now)
	m.setViolations(len(m.violations))

	m.logger.Warn("protocol violation, frame dropped", "error", err, "recent", len(m.violations))
	if len(m.violations) > m.cfg.MaxViolations {
		m.logger.Error("protocol violations exceed limit, recycling link",
			"limit", m.cfg.MaxViolations, "window", m.cfg.ViolationWindow)
		m.linkLost(m.gen, ErrProtocolMismatch)
	}
}

// linkLost handles transport closure, read errors and heartbeat timeouts.
func (m *Manager) linkLost(gen uint64, cause error) {
	if gen != m.gen || (m.state != Connected && m.state != Connecting) {
		return
	}
	m.logger.Warn("link lost", "error", cause, "session_id", m.session.ID)

	if m.handshake != nil {
		m.registry.Reject(m.handshake.ID(), fmt.Errorf("%w: %v", ErrConnectionLost, cause))
		m.handshake = nil
	}
	m.teardownLink("link lost")
	if m.explicit {
		m.setState(Disconnected, cause)
		return
	}
	m.scheduleReconnect(cause)
}

// teardownLink closes the current transport and invalidates its generation.
func (m *Manager) teardownLink(reason string) {
	m.heartbeat.Stop()
	if m.linkCancel != nil {
		m.linkCancel()
		m.linkCancel = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(reason); err != nil {
			m.logger.Debug("close transport", "error", err)
		}
		m.conn = nil
	}
	m.gen++
	m.handshake = nil
	m.session = Session{}

	m.mu.Lock()
	m.snapSess = nil
	m.mu.Unlock()
}

func (m *Manager) scheduleReconnect(cause error) {
	if m.attempt >= m.cfg.MaxAttempts {
		m.fail(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempt, cause))
		return
	}

	delay := m.backoff.NextBackOff()
	m.attempt++
	m.lastDelay = delay

	m.stopReconnectTimer()
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = m.clk.AfterFunc(delay, func() {
		m.post(func() { m.reconnectFired(seq) })
	})
	m.startGraceTimer()

	m.logger.Info("reconnecting", "attempt", m.attempt, "delay", delay, "cause", cause)
	m.setState(Reconnecting, cause)
}

func (m *Manager) reconnectFired(seq uint64) {
	if seq != m.reconnectSeq || m.state != Reconnecting {
		return
	}
	m.reconnectTimer = nil
	m.dial()
}

func (m *Manager) stopReconnectTimer() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectSeq++
}

// fail gives up: Disconnected, every pending request rejected, terminal error published.
func (m *Manager) fail(err error) {
	m.stopReconnectTimer()
	m.stopGraceTimer()
	m.stopSweep()
	m.teardownLink("giving up")
	m.setState(Disconnected, err)
	m.registry.RejectAll(err)

	m.logger.Error("connection failed permanently", "error", err)
	select {
	case m.errs <- router.ErrorEvent{Err: err}:
	default:
	}
}

func (m *Manager) startGraceTimer() {
	if m.graceTimer != nil {
		return
	}
	m.graceSeq++
	seq := m.graceSeq
	if m.cfg.ReconnectGracePeriod < 0 {
		m.graceExpired(seq)
		return
	}
	m.graceTimer = m.clk.AfterFunc(m.cfg.ReconnectGracePeriod, func() {
		m.post(func() { m.graceExpired(seq) })
	})
}

func (m *Manager) stopGraceTimer() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.graceSeq++
}

func (m *Manager) graceExpired(seq uint64) {
	if seq != m.graceSeq {
		return
	}
	m.graceTimer = nil
	if n := m.registry.RejectAll(ErrConnectionLost); n > 0 {
		m.logger.Warn("reconnect grace period elapsed", "rejected", n, "grace", m.cfg.ReconnectGracePeriod)
	}
}

func (m *Manager) setState(to State, cause error) {
	from := m.state
	m.state = to

	m.mu.Lock()
	m.snap.State = to
	m.snap.Attempt = m.attempt
	m.snap.LastDelay = m.lastDelay
	m.snap.Generation = m.gen
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Debug("state change", "from", from, "to", to)
	select {
	case m.states <- StateChange{From: from, To: to, At: m.clk.Now(), Cause: cause}:
	default:
	}
}

func (m *Manager) setViolations(n int) {
	m.mu.Lock()
	m.snap.Violations = n
	m.mu.Unlock()
}

func (m *Manager) sendPing(now time.Time) error {
	env, err := protocol.NewAt(now, protocol.TypePing, m.session.ID, protocol.HeartbeatPayload{Timestamp: protocol.FormatTimestamp(now)})
	if err != nil {
		return err
	}
	return m.write(env)
}

// write encodes and sends env on the current transport.
func (m *Manager) write(env *protocol.Envelope) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := m.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("sending %s: %w", env.Type, err)
	}
	return nil
}
