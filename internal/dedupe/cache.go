// ABOUTME: TTL and size bounded cache of envelope ids already handled on a session
// ABOUTME: Insertion-ordered list gives O(1) eviction; a clock-driven sweep drops expired ids

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
)

const (
	// DefaultTTL is how long an envelope id is remembered.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxSize bounds the ids remembered per cache.
	DefaultMaxSize = 4096
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Options configures a Cache. Zero fields take defaults.
type Options struct {
	TTL     time.Duration
	MaxSize int
	// Sweep is the interval between expiry passes. Defaults to TTL.
	Sweep time.Duration
	Clock clock.Clock
}

// Cache remembers ids for TTL. Oldest ids are evicted first once MaxSize is
// reached. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	sweep   time.Duration
	clk     clock.Clock
	timer   clock.Timer
	closed  bool
}

// New creates a cache and arms its expiry sweep. Call Close to stop it.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Sweep <= 0 {
		opts.Sweep = opts.TTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		sweep:   opts.Sweep,
		clk:     opts.Clock,
	}
	c.mu.Lock()
	c.armLocked()
	c.mu.Unlock()
	return c
}

// Check reports whether id was seen within the TTL.
func (c *Cache) Check(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[id]
	return ok && c.clk.Now().Sub(e.seenAt) < c.ttl
}

// Seen marks id and reports whether it was already present and unexpired.
// Check and mark happen under one lock.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if e, ok := c.seen[id]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}
	c.markLocked(id, now)
	return false
}

// Mark records id, refreshing its timestamp if present.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id, c.clk.Now())
}

// Len returns the number of remembered ids, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(id string, now time.Time) {
	if e, ok := c.seen[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[id] = &entry{seenAt: now, element: c.order.PushBack(id)}
}

// Expire drops every id older than the TTL and returns how many were removed.
func (c *Cache) Expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireLocked(c.clk.Now())
}

// expireLocked walks from the front; the list is ordered by last mark.
func (c *Cache) expireLocked(now time.Time) int {
	n := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id := front.Value.(string)
		if now.Sub(c.seen[id].seenAt) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.seen, id)
		n++
	}
	return n
}

func (c *Cache) armLocked() {
	c.timer = c.clk.AfterFunc(c.sweep, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.expireLocked(c.clk.Now())
		c.armLocked()
	})
}

// Close stops the sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
}
