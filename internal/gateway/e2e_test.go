// ABOUTME: End-to-end test of the client connection manager against a real gateway
// ABOUTME: Runs over an actual websocket served by httptest with the demo agents

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/client"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport"
)

func TestEndToEndOverWebSocket(t *testing.T) {
	const secret = "e2e-secret"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Database.Path = ""
	cfg.Auth.JWTSecret = secret

	mgr := agent.NewManager(time.Minute, logger)
	require.NoError(t, mgr.Register(&agent.Drafter{ChunkSize: 16}))
	require.NoError(t, mgr.Register(&agent.Reviewer{}))
	st := store.NewMockStore()

	g, err := New(cfg, Options{Agents: mgr, Store: st, Logger: logger})
	require.NoError(t, err)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	token, err := auth.NewJWTVerifier([]byte(secret)).Generate("e2e-user", time.Hour)
	require.NoError(t, err)

	m := client.New(client.Config{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		ClientID: "e2e",
		Token:    token,
		Dialer:   transport.WebSocketDialer{},
		Logger:   logger,
	})
	defer func() {
		_ = m.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.Connect(ctx))
	sess, err := m.AwaitSession(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	f, err := m.SubmitRequest(ctx, protocol.SubmitPayload{
		Topic:      "cardiac anatomy",
		Parameters: map[string]any{"sections": []any{"intro"}},
	})
	require.NoError(t, err)
	accepted, err := f.Wait(ctx)
	require.NoError(t, err)
	requestID, err := client.AcceptedRequestID(accepted)
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	select {
	case art := <-m.Artifacts():
		assert.Equal(t, requestID, art.RequestID)
		assert.Equal(t, "intro", art.Section)
		assert.Equal(t, "drafter", art.AgentID)
		assert.Contains(t, art.Content, "## Intro")
	case <-ctx.Done():
		t.Fatal("no section assembled")
	}

	select {
	case saved := <-st.Saved():
		assert.Equal(t, requestID, saved.RequestID)
		assert.Equal(t, "drafter", saved.AgentID)
		assert.Equal(t, "cardiac anatomy", saved.Title)
		assert.Contains(t, saved.HTML, "<h2>Intro</h2>")
	case <-ctx.Done():
		t.Fatal("artifact not stored")
	}

	require.Eventually(t, func() bool {
		for _, rec := range m.AgentStatuses(requestID) {
			if !rec.Status.Terminal() {
				return false
			}
		}
		return len(m.AgentStatuses(requestID)) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
