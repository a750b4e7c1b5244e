// ABOUTME: Running requests keyed by client, surviving a reconnect within the grace period
// ABOUTME: A detached run keeps executing; its events are dropped until the client returns

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/protocol"
)

var errDuplicateRequest = errors.New("request id already running")

// requestRun is one dispatched request and the session its events go to.
type requestRun struct {
	requestID string
	clientID  string
	run       *agent.Run
	seq       atomic.Int64

	mu     sync.Mutex
	target *session
}

func (r *requestRun) session() *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

func (r *requestRun) setSession(s *session) {
	r.mu.Lock()
	r.target = s
	r.mu.Unlock()
}

// deliver sends env to the attached session, if any.
func (r *requestRun) deliver(env *protocol.Envelope) bool {
	s := r.session()
	if s == nil {
		return false
	}
	env.SessionID = s.id
	if err := s.send(env); err != nil {
		s.logger.Debug("dropping run event", "request_id", r.requestID, "envelope_type", env.Type, "error", err)
		return false
	}
	return true
}

type graceEntry struct {
	timer clock.Timer
}

type runTable struct {
	mu       sync.Mutex
	byClient map[string]map[string]*requestRun
	grace    map[string]*graceEntry
	clk      clock.Clock
	period   time.Duration
	logger   *slog.Logger
}

func newRunTable(clk clock.Clock, period time.Duration, logger *slog.Logger) *runTable {
	return &runTable{
		byClient: make(map[string]map[string]*requestRun),
		grace:    make(map[string]*graceEntry),
		clk:      clk,
		period:   period,
		logger:   logger,
	}
}

// add registers a run for s's client and attaches it to s.
func (t *runTable) add(s *session, requestID string, run *agent.Run) (*requestRun, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	runs := t.byClient[s.clientID]
	if runs == nil {
		runs = make(map[string]*requestRun)
		t.byClient[s.clientID] = runs
	}
	if _, exists := runs[requestID]; exists {
		return nil, errDuplicateRequest
	}
	rr := &requestRun{requestID: requestID, clientID: s.clientID, run: run, target: s}
	runs[requestID] = rr
	return rr, nil
}

func (t *runTable) exists(clientID, requestID string) bool {
	return t.get(clientID, requestID) != nil
}

func (t *runTable) get(clientID, requestID string) *requestRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byClient[clientID][requestID]
}

func (t *runTable) remove(rr *requestRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	runs := t.byClient[rr.clientID]
	if runs[rr.requestID] == rr {
		delete(runs, rr.requestID)
	}
	if len(runs) == 0 {
		delete(t.byClient, rr.clientID)
	}
}

// count returns the running requests of clientID.
func (t *runTable) count(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byClient[clientID])
}

// attach moves the client's runs to a new session and cancels its grace timer.
func (t *runTable) attach(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.grace[s.clientID]; ok {
		g.timer.Stop()
		delete(t.grace, s.clientID)
	}
	runs := t.byClient[s.clientID]
	for _, rr := range runs {
		rr.setSession(s)
	}
	if len(runs) > 0 {
		s.logger.Info("reattached running requests", "count", len(runs))
	}
}

// detach unbinds runs from s. They are cancelled unless the client
// reconnects within the grace period; a non-positive period cancels now.
func (t *runTable) detach(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var orphaned []*requestRun
	for _, rr := range t.byClient[s.clientID] {
		if rr.session() == s {
			rr.setSession(nil)
			orphaned = append(orphaned, rr)
		}
	}
	if len(orphaned) == 0 {
		return
	}
	if t.period <= 0 {
		for _, rr := range orphaned {
			rr.run.Cancel()
		}
		t.logger.Info("cancelled requests of departed client", "client_id", s.clientID, "count", len(orphaned))
		return
	}

	if old, ok := t.grace[s.clientID]; ok {
		old.timer.Stop()
	}
	entry := &graceEntry{}
	t.grace[s.clientID] = entry
	clientID := s.clientID
	entry.timer = t.clk.AfterFunc(t.period, func() { t.expire(clientID, entry) })
	t.logger.Info("holding requests for reconnect", "client_id", clientID, "count", len(orphaned), "grace_period", t.period)
}

func (t *runTable) expire(clientID string, entry *graceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.grace[clientID] != entry {
		return
	}
	delete(t.grace, clientID)
	n := 0
	for _, rr := range t.byClient[clientID] {
		if rr.session() == nil {
			rr.run.Cancel()
			n++
		}
	}
	t.logger.Info("grace period expired, cancelled requests", "client_id", clientID, "count", n)
}

// cancelAll cancels every run and grace timer.
func (t *runTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, g := range t.grace {
		g.timer.Stop()
		delete(t.grace, id)
	}
	for _, runs := range t.byClient {
		for _, rr := range runs {
			rr.run.Cancel()
		}
	}
}
