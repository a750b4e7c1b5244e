// ABOUTME: Tests for the request correlation registry and futures
// ABOUTME: Verifies exactly-once settlement, unmatched no-ops, deadline sweep and bulk rejection

package correlation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func accepted(t *testing.T, correlationID, requestID string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewAt(t0, protocol.TypeRequestAccepted, "sess", protocol.AcceptedPayload{RequestID: requestID})
	require.NoError(t, err)
	env.CorrelationID = correlationID
	return env
}

func TestRegistry_ResolveMatching(t *testing.T) {
	reg := NewRegistry()

	f, err := reg.Register("e1", protocol.TypeRequestSubmit, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, f.Settled())

	assert.True(t, reg.Resolve("e1", accepted(t, "e1", "r1")))

	env, err := f.Wait(t.Context())
	require.NoError(t, err)
	payload, err := protocol.DecodePayload[protocol.AcceptedPayload](env)
	require.NoError(t, err)
	assert.Equal(t, "r1", payload.RequestID)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_UnmatchedIsNoop(t *testing.T) {
	reg := NewRegistry()
	f, err := reg.Register("e1", protocol.TypeRequestSubmit, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.False(t, reg.Resolve("nope", accepted(t, "nope", "r1")))
	assert.False(t, reg.Reject("nope", errors.New("boom")))
	assert.False(t, reg.Cancel("nope"))

	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Pending("e1"))
	assert.False(t, f.Settled())
}

func TestRegistry_SecondResolveIgnored(t *testing.T) {
	reg := NewRegistry()
	f, err := reg.Register("e1", protocol.TypeRequestSubmit, t0.Add(time.Minute))
	require.NoError(t, err)

	require.True(t, reg.Resolve("e1", accepted(t, "e1", "r1")))
	assert.False(t, reg.Reject("e1", errors.New("late failure")))

	env, err := f.Result()
	require.NoError(t, err)
	assert.NotNil(t, env)
}

func TestRegistry_Duplicate(t *testing.T) {
	t.Run("returns error by default", func(t *testing.T) {
		reg := NewRegistry()
		_, err := reg.Register("e1", protocol.TypePing, t0)
		require.NoError(t, err)

		_, err = reg.Register("e1", protocol.TypePing, t0)
		require.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("panics in strict mode", func(t *testing.T) {
		reg := NewRegistry(WithStrict(true))
		_, err := reg.Register("e1", protocol.TypePing, t0)
		require.NoError(t, err)

		assert.Panics(t, func() {
			_, _ = reg.Register("e1", protocol.TypePing, t0)
		})
	})

	t.Run("id can be reused after settlement", func(t *testing.T) {
		reg := NewRegistry(WithStrict(true))
		_, err := reg.Register("e1", protocol.TypePing, t0)
		require.NoError(t, err)
		reg.Cancel("e1")

		_, err = reg.Register("e1", protocol.TypePing, t0)
		require.NoError(t, err)
	})
}

func TestRegistry_Expire(t *testing.T) {
	reg := NewRegistry()
	short, err := reg.Register("short", protocol.TypeChatMessage, t0.Add(10*time.Second))
	require.NoError(t, err)
	long, err := reg.Register("long", protocol.TypeRequestSubmit, t0.Add(60*time.Second))
	require.NoError(t, err)

	next, ok := reg.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Second), next)

	assert.Equal(t, 0, reg.Expire(t0.Add(9*time.Second)))
	assert.Equal(t, 1, reg.Expire(t0.Add(10*time.Second)))

	_, err = short.Result()
	require.ErrorIs(t, err, ErrTimeout)

	var remote *protocol.RemoteError
	assert.False(t, errors.As(err, &remote), "timeouts must be distinguishable from server failures")
	assert.False(t, long.Settled())

	// A response that arrives after the deadline is a no-op.
	assert.False(t, reg.Resolve("short", accepted(t, "short", "r1")))
}

func TestRegistry_RejectAll(t *testing.T) {
	reg := NewRegistry()
	closed := errors.New("connection closed")

	var futures []*Future
	for i := range 5 {
		f, err := reg.Register(fmt.Sprintf("e%d", i), protocol.TypeRequestSubmit, t0.Add(time.Minute))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	assert.Equal(t, 5, reg.RejectAll(closed))
	assert.Equal(t, 0, reg.Len())

	for _, f := range futures {
		require.True(t, f.Settled())
		_, err := f.Result()
		assert.ErrorIs(t, err, closed)
	}
	_, ok := reg.NextDeadline()
	assert.False(t, ok)
}

func TestRegistry_WaitHonoursContext(t *testing.T) {
	reg := NewRegistry()
	f, err := reg.Register("e1", protocol.TypePing, t0.Add(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = f.Wait(ctx)
	require.Error(t, err)
	assert.True(t, reg.Pending("e1"), "abandoning the wait leaves the entry for the sweep")
}

// Every registered future settles exactly once, whatever mix of resolve,
// reject, cancel, expiry and bulk rejection races against it.
func TestRegistry_ExactlyOnceUnderRaces(t *testing.T) {
	reg := NewRegistry()
	rng := rand.New(rand.NewSource(42))

	const n = 200
	futures := make([]*Future, n)
	for i := range n {
		f, err := reg.Register(fmt.Sprintf("e%d", i), protocol.TypeRequestSubmit, t0.Add(time.Duration(rng.Intn(100))*time.Second))
		require.NoError(t, err)
		futures[i] = f
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := make(map[string]int)
	record := func(id string, ok bool) {
		if ok {
			mu.Lock()
			wins[id]++
			mu.Unlock()
		}
	}

	for i := range n {
		id := fmt.Sprintf("e%d", i)
		reply := accepted(t, id, "r")
		wg.Add(3)
		go func() { defer wg.Done(); record(id, reg.Resolve(id, reply)) }()
		go func() { defer wg.Done(); record(id, reg.Reject(id, errors.New("failed"))) }()
		go func() { defer wg.Done(); record(id, reg.Cancel(id)) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); reg.Expire(t0.Add(50 * time.Second)) }()
	wg.Wait()
	reg.RejectAll(errors.New("closed"))

	for i, f := range futures {
		require.True(t, f.Settled(), "future %d never settled", i)
		assert.LessOrEqual(t, wins[fmt.Sprintf("e%d", i)], 1)
	}
	assert.Equal(t, 0, reg.Len())
}

func TestTimeouts_For(t *testing.T) {
	timeouts := DefaultTimeouts()
	assert.Equal(t, 60*time.Second, timeouts.For(protocol.TypeRequestSubmit))
	assert.Equal(t, 10*time.Second, timeouts.For(protocol.TypeConnectionInit))
	assert.Equal(t, DefaultTimeout, timeouts.For(protocol.TypeChatMessage))
}
