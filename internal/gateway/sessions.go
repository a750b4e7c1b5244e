// ABOUTME: Table of live sessions and the reaper that closes sessions gone silent
// ABOUTME: A session is reaped once no frame has arrived for the heartbeat timeout

package gateway

import (
	"sort"
	"sync"
	"time"
)

type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

func (t *sessionTable) add(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.id] = s
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *sessionTable) get(id string) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// list returns the live sessions ordered by connect time.
func (t *sessionTable) list() []*session {
	t.mu.RLock()
	out := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].connected.Equal(out[j].connected) {
			return out[i].id < out[j].id
		}
		return out[i].connected.Before(out[j].connected)
	})
	return out
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// StartReaper checks for silent sessions every heartbeat interval until
// StopReaper is called.
func (g *Gateway) StartReaper() {
	g.reaperMu.Lock()
	defer g.reaperMu.Unlock()
	if g.reaperTimer != nil || g.config.Agents.HeartbeatInterval <= 0 {
		return
	}
	g.reaperGen++
	g.armReaper(g.reaperGen)
}

// armReaper must be called with reaperMu held.
func (g *Gateway) armReaper(gen uint64) {
	g.reaperTimer = g.clk.AfterFunc(g.config.Agents.HeartbeatInterval, func() {
		g.reap(g.clk.Now())

		g.reaperMu.Lock()
		defer g.reaperMu.Unlock()
		if g.reaperGen == gen {
			g.armReaper(gen)
		}
	})
}

// StopReaper stops the reaper. Safe to call more than once.
func (g *Gateway) StopReaper() {
	g.reaperMu.Lock()
	defer g.reaperMu.Unlock()
	g.reaperGen++
	if g.reaperTimer != nil {
		g.reaperTimer.Stop()
		g.reaperTimer = nil
	}
}

// reap closes every session idle longer than the heartbeat timeout and
// returns how many it closed.
func (g *Gateway) reap(now time.Time) int {
	timeout := g.config.Agents.HeartbeatTimeout
	n := 0
	for _, s := range g.sessions.list() {
		idle := s.idle(now)
		if idle <= timeout {
			continue
		}
		s.logger.Warn("session missed heartbeats, closing", "idle", idle, "timeout", timeout)
		s.close("heartbeat timeout")
		n++
	}
	return n
}
