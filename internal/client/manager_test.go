// ABOUTME: Tests for the connection manager state machine over an in-memory transport
// ABOUTME: A fake clock drives heartbeat, backoff, grace and deadline timers deterministically

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/correlation"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/transport"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second

type fixture struct {
	m      *Manager
	clk    *clock.FakeClock
	dialer *transport.PipeDialer
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	clk := clock.Fake(t0)
	dialer := transport.NewPipeDialer()
	cfg := Config{
		URL:         "ws://relay.test/ws",
		ClientID:    "client-1",
		Token:       "tok",
		Dialer:      dialer,
		Clock:       clk,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		MaxAttempts: 5,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return &fixture{m: m, clk: clk, dialer: dialer}
}

// barrier waits until every operation already queued on the loop has run.
func (f *fixture) barrier(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()
	require.NoError(t, f.m.call(ctx, func() {}))
}

func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.clk.Advance(d)
	f.barrier(t)
}

func (f *fixture) accept(t *testing.T) *server {
	t.Helper()
	select {
	case conn := <-f.dialer.Accepted:
		return &server{t: t, conn: conn}
	case <-time.After(waitFor):
		t.Fatal("no dial")
		return nil
	}
}

// connect dials, answers the handshake and waits for the session.
func (f *fixture) connect(t *testing.T, heartbeatMs int64) *server {
	t.Helper()
	require.NoError(t, f.m.Connect(t.Context()))
	srv := f.accept(t)
	srv.ack(srv.expect(protocol.TypeConnectionInit), heartbeatMs)

	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()
	_, err := f.m.AwaitSession(ctx)
	require.NoError(t, err)
	return srv
}

func (f *fixture) waitStats(t *testing.T, cond func(Stats) bool) Stats {
	t.Helper()
	require.Eventually(t, func() bool { return cond(f.m.Stats()) }, waitFor, 2*time.Millisecond)
	return f.m.Stats()
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	f.waitStats(t, func(s Stats) bool { return s.State == want })
}

// server plays the gateway side of a pipe.
type server struct {
	t    *testing.T
	conn *transport.PipeConn
}

func (s *server) read() *protocol.Envelope {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(s.t.Context(), waitFor)
	defer cancel()
	data, err := s.conn.Read(ctx)
	require.NoError(s.t, err)
	env, err := protocol.Decode(data)
	require.NoError(s.t, err)
	return env
}

// expect reads until an envelope of type arrives, skipping pings.
func (s *server) expect(eventType string) *protocol.Envelope {
	s.t.Helper()
	for {
		env := s.read()
		if env.Type == eventType {
			return env
		}
		require.Equal(s.t, protocol.TypePing, env.Type, "unexpected %s while waiting for %s", env.Type, eventType)
	}
}

func (s *server) send(env *protocol.Envelope) {
	s.t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.Write(s.t.Context(), data))
}

func (s *server) reply(to *protocol.Envelope, eventType string, payload any) {
	s.t.Helper()
	env, err := protocol.Reply(t0, to, eventType, "sess-1", payload)
	require.NoError(s.t, err)
	s.send(env)
}

func (s *server) event(eventType, requestID string, payload any) {
	s.t.Helper()
	env, err := protocol.NewAt(t0, eventType, "sess-1", payload)
	require.NoError(s.t, err)
	env.RequestID = requestID
	s.send(env)
}

func (s *server) ack(init *protocol.Envelope, heartbeatMs int64) {
	s.t.Helper()
	s.reply(init, protocol.TypeConnectionAck, protocol.AckPayload{
		SessionID:           "sess-1",
		ServerVersion:       "test",
		HeartbeatIntervalMs: heartbeatMs,
		AgentsAvailable:     []protocol.AgentInfo{{ID: "drafter", Name: "Drafter"}},
	})
}

func TestManager_HandshakeEstablishesSession(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.Connect(t.Context()))
	srv := f.accept(t)

	init := srv.expect(protocol.TypeConnectionInit)
	p, err := protocol.DecodePayload[protocol.InitPayload](init)
	require.NoError(t, err)
	assert.Equal(t, "client-1", p.ClientID)
	assert.Equal(t, "tok", p.Token)
	assert.Equal(t, ClientVersion, p.ClientVersion)
	assert.Empty(t, init.SessionID)

	srv.ack(init, 15000)
	sess, err := f.m.AwaitSession(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "client-1", sess.ClientID)
	assert.Equal(t, 15*time.Second, sess.HeartbeatInterval)
	assert.Equal(t, t0, sess.ConnectedAt)
	require.Len(t, sess.AgentsAvailable, 1)
	assert.Equal(t, Connected, f.m.State())
	assert.Equal(t, 15*time.Second, f.m.heartbeat.Interval())
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, 30000)

	require.NoError(t, f.m.Connect(t.Context()))
	require.NoError(t, f.m.Connect(t.Context()))
	f.barrier(t)
	assert.Equal(t, 1, f.dialer.Dials())
	assert.Equal(t, Connected, f.m.State())
}

func TestManager_SubmitResolvesWithAcceptedRequest(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)

	fut, err := f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{Topic: "X"})
	require.NoError(t, err)

	cmd := srv.expect(protocol.TypeRequestSubmit)
	assert.Equal(t, fut.ID(), cmd.ID)
	assert.Equal(t, "sess-1", cmd.SessionID)
	p, err := protocol.DecodePayload[protocol.SubmitPayload](cmd)
	require.NoError(t, err)
	assert.Equal(t, "X", p.Topic)

	srv.reply(cmd, protocol.TypeRequestAccepted, protocol.AcceptedPayload{RequestID: "r1"})

	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()
	env, err := fut.Wait(ctx)
	require.NoError(t, err)
	requestID, err := AcceptedRequestID(env)
	require.NoError(t, err)
	assert.Equal(t, "r1", requestID)
	assert.Equal(t, 0, f.m.Stats().Pending)
}

func TestManager_SubmitFailureIsRemoteError(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)

	fut, err := f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{Topic: "X", Agents: []string{"ghost"}})
	require.NoError(t, err)
	cmd := srv.expect(protocol.TypeRequestSubmit)
	srv.reply(cmd, protocol.TypeRequestFailed, protocol.FailedPayload{
		RequestID: "r1",
		Error:     protocol.NewError(protocol.CodeAgentError, "unknown agent ghost"),
	})

	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()
	_, err = fut.Wait(ctx)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeAgentError, remote.Code)
	assert.False(t, remote.Recoverable)
	assert.NotErrorIs(t, err, correlation.ErrTimeout)
}

func TestManager_SubmitTimesOutAtDeadline(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, int64((10 * time.Minute).Milliseconds()))

	fut, err := f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{Topic: "X"})
	require.NoError(t, err)
	srv.expect(protocol.TypeRequestSubmit)

	f.advance(t, 59*time.Second)
	assert.False(t, fut.Settled())

	f.advance(t, time.Second)
	require.True(t, fut.Settled())
	_, err = fut.Result()
	assert.ErrorIs(t, err, correlation.ErrTimeout)
	assert.Equal(t, 0, f.m.Stats().Pending)
}

func TestManager_SubmitWithoutSession(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{Topic: "X"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{})
	assert.Error(t, err)
}

func TestManager_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)

	f.advance(t, 30*time.Second)
	ping := srv.expect(protocol.TypePing)
	p, err := protocol.DecodePayload[protocol.HeartbeatPayload](ping)
	require.NoError(t, err)
	assert.Equal(t, protocol.FormatTimestamp(t0.Add(30*time.Second)), p.Timestamp)
	assert.Equal(t, Connected, f.m.State())

	// No pong: the link is dead at 60s even though the transport is open.
	f.advance(t, 30*time.Second)
	assert.Equal(t, Reconnecting, f.m.State())
	assert.True(t, srv.conn.Closed())
	assert.False(t, f.m.heartbeat.Running())
}

func TestManager_SilenceAfterLatePongTimesOutAtTwoIntervals(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)

	f.advance(t, 30*time.Second)
	ping := srv.expect(protocol.TypePing)
	f.advance(t, 10*time.Millisecond)
	srv.reply(ping, protocol.TypePong, protocol.HeartbeatPayload{Timestamp: "now"})
	require.Eventually(t, func() bool { return f.m.heartbeat.Missed() == 0 }, waitFor, 2*time.Millisecond)

	f.advance(t, 59*time.Second+990*time.Millisecond)
	assert.Equal(t, Connected, f.m.State())

	f.advance(t, 10*time.Millisecond)
	assert.Equal(t, Reconnecting, f.m.State())
	assert.True(t, srv.conn.Closed())
}

func TestManager_PongKeepsLinkAlive(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)

	for i := 0; i < 3; i++ {
		f.advance(t, 30*time.Second)
		ping := srv.expect(protocol.TypePing)
		srv.reply(ping, protocol.TypePong, protocol.HeartbeatPayload{Timestamp: "now"})
		require.Eventually(t, func() bool { return f.m.heartbeat.Missed() == 0 }, waitFor, 2*time.Millisecond)
	}
	assert.Equal(t, Connected, f.m.State())
}

func TestManager_BackoffGrowsAndResetsAfterHandshake(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxDelay = 4 * time.Second })
	srv := f.connect(t, 30000)

	var delays []time.Duration
	require.NoError(t, srv.conn.Close("drop"))
	for attempt := 1; attempt <= 4; attempt++ {
		s := f.waitStats(t, func(s Stats) bool { return s.State == Reconnecting && s.Attempt == attempt })
		delays = append(delays, s.LastDelay)

		f.advance(t, s.LastDelay)
		srv = f.accept(t)
		srv.expect(protocol.TypeConnectionInit)
		require.NoError(t, srv.conn.Close("drop again"))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}

	// A successful handshake resets the sequence.
	s := f.waitStats(t, func(s Stats) bool { return s.State == Reconnecting && s.Attempt == 5 })
	f.advance(t, s.LastDelay)
	srv = f.accept(t)
	srv.ack(srv.expect(protocol.TypeConnectionInit), 30000)
	_, err := f.m.AwaitSession(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, f.m.Stats().Attempt)

	require.NoError(t, srv.conn.Close("drop after ack"))
	s = f.waitStats(t, func(s Stats) bool { return s.State == Reconnecting })
	assert.Equal(t, time.Second, s.LastDelay)
	assert.Equal(t, 1, s.Attempt)
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxAttempts = 2 })
	srv := f.connect(t, 30000)

	fut, err := f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{Topic: "X"})
	require.NoError(t, err)
	srv.expect(protocol.TypeRequestSubmit)

	refused := errors.New("connection refused")
	f.dialer.FailNext(refused, refused, refused)
	require.NoError(t, srv.conn.Close("drop"))

	s := f.waitStats(t, func(s Stats) bool { return s.State == Reconnecting && s.Attempt == 1 })
	f.advance(t, s.LastDelay)
	s = f.waitStats(t, func(s Stats) bool { return s.State == Reconnecting && s.Attempt == 2 })
	f.advance(t, s.LastDelay)
	f.waitState(t, Disconnected)

	var terminal router.ErrorEvent
	require.Eventually(t, func() bool {
		select {
		case ev := <-f.m.Errors():
			terminal = ev
			return errors.Is(ev.Err, ErrReconnectExhausted)
		default:
			return false
		}
	}, waitFor, 2*time.Millisecond)
	assert.ErrorContains(t, terminal.Err, "connection refused")

	require.True(t, fut.Settled())
	_, err = fut.Result()
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, 3, f.dialer.Dials())
}

func TestManager_ManualConnectCancelsBackoffTimer(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)

	require.NoError(t, srv.conn.Close("drop"))
	f.waitStats(t, func(s Stats) bool { return s.State == Reconnecting && s.Attempt == 1 })

	require.NoError(t, f.m.Connect(t.Context()))
	srv = f.accept(t)
	srv.expect(protocol.TypeConnectionInit)
	assert.Equal(t, 2, f.dialer.Dials())
	assert.Equal(t, 1, f.m.Stats().Attempt, "manual connect keeps the attempt counter")

	// The cancelled backoff timer must not start a second dial.
	f.advance(t, 5*time.Second)
	assert.Equal(t, 2, f.dialer.Dials())
	assert.Equal(t, Connected, f.m.State())
}

func TestManager_DisconnectRejectsEveryPendingRequest(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)

	var futures []*correlation.Future
	fut, err := f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{Topic: "X"})
	require.NoError(t, err)
	futures = append(futures, fut)
	srv.expect(protocol.TypeRequestSubmit)

	fut, err = f.m.SendChat(t.Context(), "", "hello")
	require.NoError(t, err)
	futures = append(futures, fut)
	srv.expect(protocol.TypeChatMessage)

	fut, err = f.m.Cancel(t.Context(), "r9", "changed my mind")
	require.NoError(t, err)
	futures = append(futures, fut)
	cancelCmd := srv.expect(protocol.TypeRequestCancel)
	assert.Equal(t, "r9", cancelCmd.RequestID)
	assert.True(t, f.m.tracker.Cancelling("r9"))

	require.NoError(t, f.m.Disconnect(t.Context(), "user logout"))

	for _, fut := range futures {
		require.True(t, fut.Settled(), "%s still pending after Disconnect returned", fut.Type())
		_, err := fut.Result()
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.Equal(t, Disconnected, f.m.State())
	assert.Equal(t, 0, f.m.Stats().Pending)
	_, ok := f.m.Session()
	assert.False(t, ok)

	term := srv.expect(protocol.TypeConnectionTerminate)
	p, err := protocol.DecodePayload[protocol.TerminatePayload](term)
	require.NoError(t, err)
	assert.Equal(t, "user logout", p.Reason)

	// No reconnect after an explicit disconnect.
	f.advance(t, time.Minute)
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestManager_PendingSurviveUntilGracePeriod(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ReconnectGracePeriod = 5 * time.Second
		c.BaseDelay = time.Minute
		c.MaxDelay = time.Minute
	})
	srv := f.connect(t, 30000)

	fut, err := f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{Topic: "X"})
	require.NoError(t, err)
	srv.expect(protocol.TypeRequestSubmit)

	require.NoError(t, srv.conn.Close("blip"))
	f.waitState(t, Reconnecting)

	f.advance(t, 4*time.Second)
	assert.False(t, fut.Settled(), "a brief blip must not fail in-flight requests")

	f.advance(t, time.Second)
	require.True(t, fut.Settled())
	_, err = fut.Result()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestManager_StaleGenerationFramesIgnored(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)
	oldGen := f.m.Stats().Generation

	require.NoError(t, srv.conn.Close("drop"))
	f.waitState(t, Reconnecting)
	require.NoError(t, f.m.Connect(t.Context()))
	srv = f.accept(t)
	srv.ack(srv.expect(protocol.TypeConnectionInit), 30000)
	_, err := f.m.AwaitSession(t.Context())
	require.NoError(t, err)

	fut, err := f.m.SubmitRequest(t.Context(), protocol.SubmitPayload{Topic: "X"})
	require.NoError(t, err)
	cmd := srv.expect(protocol.TypeRequestSubmit)

	stale, err := protocol.Reply(t0, cmd, protocol.TypeRequestAccepted, "old-sess", protocol.AcceptedPayload{RequestID: "r-old"})
	require.NoError(t, err)
	data, err := protocol.Encode(stale)
	require.NoError(t, err)
	require.NoError(t, f.m.call(t.Context(), func() { f.m.frame(oldGen, data) }))

	assert.False(t, fut.Settled())
}

func TestManager_ProtocolViolations(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxViolations = 2 })
	srv := f.connect(t, 30000)

	require.NoError(t, srv.conn.Write(t.Context(), []byte("not json")))
	require.NoError(t, srv.conn.Write(t.Context(), []byte(`{"type":"agent.status"}`)))
	f.waitStats(t, func(s Stats) bool { return s.Violations == 2 })
	assert.Equal(t, Connected, f.m.State(), "isolated violations only drop the frame")

	require.NoError(t, srv.conn.Write(t.Context(), []byte(`[1,2,3]`)))
	f.waitStats(t, func(s Stats) bool { return s.State == Reconnecting })
}

func TestManager_ViolationsOutsideWindowAreForgotten(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.MaxViolations = 1
		c.ViolationWindow = 10 * time.Second
	})
	srv := f.connect(t, int64((10 * time.Minute).Milliseconds()))

	require.NoError(t, srv.conn.Write(t.Context(), []byte("garbage")))
	f.waitStats(t, func(s Stats) bool { return s.Violations == 1 })

	f.advance(t, 11*time.Second)
	require.NoError(t, srv.conn.Write(t.Context(), []byte("garbage")))
	// Frames are handled in order, so once this status lands the garbage was counted.
	srv.event(protocol.TypeAgentStatus, "r1", protocol.StatusPayload{AgentID: "a", Status: protocol.StatusIdle})
	require.Eventually(t, func() bool { return len(f.m.AgentStatuses("r1")) == 1 }, waitFor, 2*time.Millisecond)

	s := f.m.Stats()
	assert.Equal(t, 1, s.Violations)
	assert.Equal(t, Connected, s.State)
}

func TestManager_StreamsStatusAndArtifacts(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)

	srv.event(protocol.TypeAgentStatus, "r1", protocol.StatusPayload{
		AgentID: "drafter", AgentName: "Drafter", Status: protocol.StatusWorking, PreviousStatus: protocol.StatusIdle,
	})
	for _, c := range []protocol.ChunkPayload{
		{ChunkIndex: 1, Content: "B", Section: "intro"},
		{ChunkIndex: 0, Content: "A", Section: "intro"},
		{ChunkIndex: 2, Content: "C", Section: "intro", IsFinal: true},
	} {
		c.AgentID = "drafter"
		srv.event(protocol.TypeContentChunk, "r1", c)
	}

	select {
	case art := <-f.m.Artifacts():
		assert.Equal(t, "r1", art.RequestID)
		assert.Equal(t, "intro", art.Section)
		assert.Equal(t, "ABC", art.Content)
	case <-time.After(waitFor):
		t.Fatal("no artifact")
	}

	records := f.m.AgentStatuses("r1")
	require.Len(t, records, 1)
	assert.Equal(t, protocol.StatusWorking, records[0].Status)
}

func TestManager_RejectedHandshakeIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.Connect(t.Context()))
	srv := f.accept(t)
	init := srv.expect(protocol.TypeConnectionInit)
	srv.reply(init, protocol.TypeError, protocol.NewError(protocol.CodeAuthExpired, "token expired"))

	f.waitState(t, Disconnected)
	f.advance(t, time.Minute)
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestManager_HandshakeTimeoutRecyclesLink(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.m.Connect(t.Context()))
	srv := f.accept(t)
	srv.expect(protocol.TypeConnectionInit)
	f.waitState(t, Connected)

	f.advance(t, 10*time.Second)
	f.waitStats(t, func(s Stats) bool { return s.State == Reconnecting && s.Attempt == 1 })
}

func TestManager_StateChangesPublished(t *testing.T) {
	f := newFixture(t, nil)
	srv := f.connect(t, 30000)
	require.NoError(t, srv.conn.Close("drop"))
	f.waitState(t, Reconnecting)

	var seen []State
	var degraded bool
	for len(seen) < 3 {
		select {
		case ch := <-f.m.StateChanges():
			seen = append(seen, ch.To)
			degraded = degraded || ch.Degraded()
		case <-time.After(waitFor):
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []State{Connecting, Connected, Reconnecting}, seen)
	assert.True(t, degraded)
}

func TestManager_CloseStopsEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, 30000)

	require.NoError(t, f.m.Close())
	require.NoError(t, f.m.Close())

	_, ok := <-f.m.Artifacts()
	assert.False(t, ok)
	assert.ErrorIs(t, f.m.Connect(t.Context()), ErrManagerClosed)
}
