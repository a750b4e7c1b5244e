// ABOUTME: Tests for the per-session envelope id cache.
// ABOUTME: Validates TTL expiry, size-bounded eviction order, sweeping and concurrent marking.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newCache(t *testing.T, opts Options) (*Cache, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	opts.Clock = clk
	c := New(opts)
	t.Cleanup(c.Close)
	return c, clk
}

func TestCache_Seen(t *testing.T) {
	c, _ := newCache(t, Options{TTL: time.Minute})

	assert.False(t, c.Seen("env-1"), "first sighting")
	assert.True(t, c.Seen("env-1"), "duplicate")
	assert.False(t, c.Seen("env-2"))
	assert.True(t, c.Check("env-1"))
	assert.False(t, c.Check("never"))
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newCache(t, Options{TTL: time.Minute, Sweep: time.Hour})

	c.Mark("env-1")
	clk.Advance(59 * time.Second)
	assert.True(t, c.Check("env-1"))

	clk.Advance(time.Second)
	assert.False(t, c.Check("env-1"))
	assert.False(t, c.Seen("env-1"), "expired id is new again")
}

func TestCache_MarkRefreshes(t *testing.T) {
	c, clk := newCache(t, Options{TTL: time.Minute, Sweep: time.Hour})

	c.Mark("a")
	clk.Advance(40 * time.Second)
	c.Mark("b")
	clk.Advance(10 * time.Second)
	c.Mark("a")
	clk.Advance(30 * time.Second)

	assert.Equal(t, 0, c.Expire(), "a was refreshed, b is 40s old")
	clk.Advance(20 * time.Second)
	assert.Equal(t, 1, c.Expire())
	assert.False(t, c.Check("b"))
	assert.True(t, c.Check("a"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newCache(t, Options{TTL: time.Hour, MaxSize: 3})

	for _, id := range []string{"a", "b", "c"} {
		c.Mark(id)
	}
	c.Mark("a")
	c.Mark("d")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Check("b"), "b is the oldest after a was refreshed")
	for _, id := range []string{"a", "c", "d"} {
		assert.True(t, c.Check(id), id)
	}
}

func TestCache_Sweep(t *testing.T) {
	c, clk := newCache(t, Options{TTL: time.Minute, Sweep: 30 * time.Second})

	c.Mark("a")
	c.Mark("b")
	clk.Advance(30 * time.Second)
	assert.Equal(t, 2, c.Len())

	clk.Advance(30 * time.Second)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, clk.PendingCount(), "sweep re-arms")
}

func TestCache_CloseStopsSweep(t *testing.T) {
	clk := clock.Fake(epoch)
	c := New(Options{TTL: time.Minute, Clock: clk})
	c.Mark("a")
	c.Close()
	c.Close()

	clk.Advance(time.Hour)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, clk.PendingCount())
}

func TestCache_Defaults(t *testing.T) {
	c := New(Options{})
	defer c.Close()
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
	assert.Equal(t, DefaultTTL, c.sweep)
}

func TestCache_SeenIsAtomic(t *testing.T) {
	c, _ := newCache(t, Options{TTL: time.Hour})

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), fresh.Load())

	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Mark(fmt.Sprintf("id-%d", i))
		}()
	}
	wg.Wait()
	assert.Equal(t, 101, c.Len())
}
