// ABOUTME: Heartbeat monitor that pings on a fixed interval and detects missed pongs
// ABOUTME: Signals its owner when no pong arrives within a multiple of the interval (half-open links)

package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
)

// DefaultMultiple is how many intervals may pass without a pong before the
// link is declared dead.
const DefaultMultiple = 2

// Config wires a Monitor to its owner.
type Config struct {
	// Interval is used when Start is called with a non-positive interval.
	Interval time.Duration
	// Multiple of the interval after which a missing pong is fatal.
	Multiple int
	Clock    clock.Clock
	// Send transmits a ping stamped with now.
	Send func(now time.Time) error
	// OnTimeout is called once per Start when the pong deadline passes.
	OnTimeout func()
	// Exec runs timer callbacks on the owner's event loop. Nil runs them inline.
	Exec   func(func())
	Logger *slog.Logger
}

// Monitor sends pings while running and watches for pongs.
type Monitor struct {
	cfg Config

	mu       sync.Mutex
	running  bool
	gen      uint64
	interval time.Duration
	lastPong time.Time
	missed   int
	ticker   clock.Timer
	deadline clock.Timer
}

// New creates a stopped Monitor.
func New(cfg Config) *Monitor {
	if cfg.Multiple <= 0 {
		cfg.Multiple = DefaultMultiple
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Exec == nil {
		cfg.Exec = func(f func()) { f() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "heartbeat")
	return &Monitor{cfg: cfg}
}

// Start begins pinging every interval, restarting the monitor if it is
// already running. The pong deadline is measured from now.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.Interval
	}
	if interval <= 0 {
		m.cfg.Logger.Warn("heartbeat not started: no interval configured")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.running = true
	m.interval = interval
	m.lastPong = m.cfg.Clock.Now()
	m.missed = 0
	m.scheduleLocked()
	m.armDeadlineLocked()

	m.cfg.Logger.Debug("heartbeat started", "interval", interval, "timeout", m.timeoutLocked())
}

// Stop halts the monitor. Pending ticks become no-ops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
	m.running = false
	m.gen++
}

// Pong records liveness, clears the missed counter and pushes the deadline
// out to a full timeout from now.
func (m *Monitor) Pong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.lastPong = m.cfg.Clock.Now()
	m.missed = 0
	m.armDeadlineLocked()
}

// Missed returns the number of pings sent since the last pong.
func (m *Monitor) Missed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Interval returns the interval of the current or last run.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Monitor) timeoutLocked() time.Duration {
	return m.interval * time.Duration(m.cfg.Multiple)
}

func (m *Monitor) scheduleLocked() {
	gen := m.gen
	m.ticker = m.cfg.Clock.AfterFunc(m.interval, func() {
		m.cfg.Exec(func() { m.tick(gen) })
	})
}

// armDeadlineLocked replaces the pong deadline with one a full timeout after
// the last pong.
func (m *Monitor) armDeadlineLocked() {
	if m.deadline != nil {
		m.deadline.Stop()
	}
	gen := m.gen
	m.deadline = m.cfg.Clock.AfterFunc(m.timeoutLocked(), func() {
		m.cfg.Exec(func() { m.expire(gen) })
	})
}

// expire fires the timeout if no pong arrived since the deadline was armed.
// A deadline that raced a Pong finds the silence too short and does nothing.
func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	silence := m.cfg.Clock.Now().Sub(m.lastPong)
	if silence < m.timeoutLocked() {
		m.mu.Unlock()
		return
	}
	m.timedOutLocked(silence)
}

// timedOutLocked stops the monitor, releases mu and notifies the owner.
func (m *Monitor) timedOutLocked(silence time.Duration) {
	missed := m.missed
	m.stopLocked()
	m.mu.Unlock()

	m.cfg.Logger.Warn("heartbeat timed out", "silence", silence, "missed_pongs", missed)
	if m.cfg.OnTimeout != nil {
		m.cfg.OnTimeout()
	}
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}

	// A tick landing on the deadline counts as silence, not as another ping.
	now := m.cfg.Clock.Now()
	if silence := now.Sub(m.lastPong); silence >= m.timeoutLocked() {
		m.timedOutLocked(silence)
		return
	}

	m.missed++
	m.scheduleLocked()
	m.mu.Unlock()

	if m.cfg.Send != nil {
		if err := m.cfg.Send(now); err != nil {
			m.cfg.Logger.Debug("ping not sent", "error", err)
		}
	}
}
