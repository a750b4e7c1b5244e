// ABOUTME: One client session: handshake, the inbound frame loop and serialized writes
// ABOUTME: A session lives for one transport; its id is never reused after a reconnect

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/transport"
)

const writeTimeout = 5 * time.Second

var (
	errExpectedInit = errors.New("first frame must be connection.init")
	errTerminated   = errors.New("client terminated session")
)

type session struct {
	id       string
	clientID string
	identity *auth.Identity

	gw     *Gateway
	conn   transport.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connected time.Time
	writeMu   sync.Mutex
	lastSeen  atomic.Int64
	limiter   *rate.Limiter
	seen      *dedupe.Cache
	closeOnce sync.Once
}

// ServeConn runs the protocol on an accepted transport until the client
// leaves, the session is reaped or ctx ends.
func (g *Gateway) ServeConn(ctx context.Context, conn transport.Conn) {
	s, err := g.accept(ctx, conn)
	if err != nil {
		g.logger.Info("connection rejected", "error", err)
		_ = conn.Close(closeReason(err))
		return
	}

	g.sessions.add(s)
	g.runs.attach(s)
	defer func() {
		g.runs.detach(s)
		g.sessions.remove(s.id)
		s.seen.Close()
		s.close("session ended")
		s.logger.Info("session closed")
	}()

	s.logger.Info("session established", "principal", s.identity.PrincipalID)
	err = s.readLoop()
	if err != nil && !errors.Is(err, errTerminated) && !errors.Is(err, transport.ErrClosed) && s.ctx.Err() == nil {
		s.logger.Warn("session read failed", "error", err)
	}
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, errExpectedInit):
		return "expected connection.init"
	case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrMissingClaim):
		return "authentication failed"
	default:
		return "handshake failed"
	}
}

// accept performs the handshake: read connection.init, verify, reply ack.
func (g *Gateway) accept(ctx context.Context, conn transport.Conn) (*session, error) {
	readCtx, cancel := context.WithTimeout(ctx, g.handshake)
	data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("reading connection.init: %w", err)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding connection.init: %w", err)
	}
	if env.Type != protocol.TypeConnectionInit {
		g.reject(conn, env, protocol.NewError(protocol.CodeValidationFailed, "expected connection.init, got %s", env.Type))
		return nil, errExpectedInit
	}
	init, err := protocol.DecodePayload[protocol.InitPayload](env)
	if err == nil && init.ClientID == "" {
		err = errors.New("clientId is required")
	}
	if err != nil {
		g.reject(conn, env, protocol.NewError(protocol.CodeValidationFailed, "invalid connection.init: %v", err))
		return nil, err
	}

	principal := auth.Anonymous
	if g.verifier != nil {
		principal, err = g.verifier.Verify(init.Token)
		if err != nil {
			g.reject(conn, env, auth.ErrorFor(err))
			return nil, fmt.Errorf("client %s: %w", init.ClientID, err)
		}
	}

	sessCtx, sessCancel := context.WithCancel(ctx)
	s := &session{
		id:        uuid.New().String(),
		clientID:  init.ClientID,
		gw:        g,
		conn:      conn,
		cancel:    sessCancel,
		connected: g.clk.Now(),
		seen: dedupe.New(dedupe.Options{
			TTL:   g.config.Sessions.DedupeTTL,
			Clock: g.clk,
		}),
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if r := g.config.Sessions.RatePerSecond; r > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r), g.config.Sessions.Burst)
	}
	s.identity = &auth.Identity{PrincipalID: principal, ClientID: init.ClientID, SessionID: s.id}
	s.ctx = auth.WithIdentity(sessCtx, s.identity)
	s.logger = g.logger.With("session_id", s.id, "client_id", init.ClientID)
	s.touch()

	agents := g.agents.List()
	ack := protocol.AckPayload{
		SessionID:           s.id,
		ServerVersion:       ServerVersion,
		HeartbeatIntervalMs: g.config.Agents.HeartbeatInterval.Milliseconds(),
		AgentsAvailable:     make([]protocol.AgentInfo, 0, len(agents)),
	}
	for _, a := range agents {
		ack.AgentsAvailable = append(ack.AgentsAvailable, a.Wire())
	}
	if err := s.reply(env, protocol.TypeConnectionAck, ack); err != nil {
		s.seen.Close()
		sessCancel()
		return nil, fmt.Errorf("sending connection.ack: %w", err)
	}
	s.seen.Mark(env.ID)
	return s, nil
}

// reject answers a failed handshake with a correlated error envelope.
func (g *Gateway) reject(conn transport.Conn, to *protocol.Envelope, p protocol.ErrorPayload) {
	env, err := protocol.Reply(g.clk.Now(), to, protocol.TypeError, "", p)
	if err != nil {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		g.logger.Debug("sending handshake rejection", "error", err)
	}
}

func (s *session) touch() {
	s.lastSeen.Store(s.gw.clk.Now().UnixNano())
}

// idle returns how long ago the last frame arrived.
func (s *session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

func (s *session) readLoop() error {
	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			return err
		}
		s.touch()
		if err := s.handle(data); err != nil {
			return err
		}
	}
}

// send encodes and writes env. Writes are serialized across run pumps.
func (s *session) send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, data); err != nil {
		return fmt.Errorf("sending %s: %w", env.Type, err)
	}
	return nil
}

// reply sends a correlated answer to env.
func (s *session) reply(to *protocol.Envelope, eventType string, payload any) error {
	env, err := protocol.Reply(s.gw.clk.Now(), to, eventType, s.id, payload)
	if err != nil {
		return err
	}
	return s.send(env)
}

// replyError sends a correlated error envelope.
func (s *session) replyError(to *protocol.Envelope, p protocol.ErrorPayload) {
	if err := s.reply(to, protocol.TypeError, p); err != nil {
		s.logger.Debug("sending error", "code", p.Code, "error", err)
	}
}

// close ends the session. Safe to call from any goroutine.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(reason)
	})
}
