// ABOUTME: Passive cache of agent lifecycle state per (request, agent), fed only by inbound events
// ABOUTME: Keeps previous status for transitions and treats complete/error/cancelled as sticky

package status

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

var (
	// ErrAfterTerminal indicates an event for an agent that already finished.
	ErrAfterTerminal = errors.New("event after terminal status")

	// ErrInvalidStatus indicates a status value outside the enumerated set.
	ErrInvalidStatus = errors.New("invalid agent status")

	// ErrMissingKey indicates an event without request or agent id.
	ErrMissingKey = errors.New("request id and agent id are required")
)

// Record is the last known state of one agent within one request.
type Record struct {
	RequestID       string
	AgentID         string
	AgentName       string
	Status          protocol.AgentStatus
	PreviousStatus  protocol.AgentStatus
	TaskDescription string
	Progress        *protocol.Progress
	LastLog         string
	UpdatedAt       time.Time
}

// Terminal reports whether the agent has finished within its request.
func (r Record) Terminal() bool { return r.Status.Terminal() }

// Tracker reduces agent.status / agent.progress / agent.log events into Records.
type Tracker struct {
	mu         sync.RWMutex
	records    map[string]map[string]*Record // requestID -> agentID -> record
	cancelling map[string]bool
	anomalies  int
	logger     *slog.Logger
}

// NewTracker creates an empty tracker. Pass nil logger for default.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		records:    make(map[string]map[string]*Record),
		cancelling: make(map[string]bool),
		logger:     logger.With("component", "status"),
	}
}

// lookupLocked returns the record for the key, creating an idle one if absent.
func (t *Tracker) lookupLocked(requestID, agentID string) *Record {
	agents, ok := t.records[requestID]
	if !ok {
		agents = make(map[string]*Record)
		t.records[requestID] = agents
	}
	rec, ok := agents[agentID]
	if !ok {
		rec = &Record{RequestID: requestID, AgentID: agentID}
		agents[agentID] = rec
	}
	return rec
}

func (t *Tracker) anomalyLocked(rec *Record, eventType string) error {
	t.anomalies++
	t.logger.Warn("agent event after terminal status",
		"request_id", rec.RequestID,
		"agent_id", rec.AgentID,
		"status", rec.Status,
		"envelope_type", eventType,
	)
	return fmt.Errorf("%w: %s/%s is %s", ErrAfterTerminal, rec.RequestID, rec.AgentID, rec.Status)
}

// Apply folds an agent.status event into the tracker and returns the updated record.
func (t *Tracker) Apply(requestID string, at time.Time, p protocol.StatusPayload) (Record, error) {
	if requestID == "" || p.AgentID == "" {
		return Record{}, ErrMissingKey
	}
	if !p.Status.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.lookupLocked(requestID, p.AgentID)
	if rec.Terminal() {
		return *rec, t.anomalyLocked(rec, protocol.TypeAgentStatus)
	}

	previous := rec.Status
	if previous == "" {
		previous = p.PreviousStatus
	}
	rec.PreviousStatus = previous
	rec.Status = p.Status
	if p.AgentName != "" {
		rec.AgentName = p.AgentName
	}
	if p.TaskDescription != "" {
		rec.TaskDescription = p.TaskDescription
	}
	if p.Progress != nil {
		progress := *p.Progress
		rec.Progress = &progress
	}
	rec.UpdatedAt = at

	t.logger.Debug("agent status",
		"request_id", requestID,
		"agent_id", p.AgentID,
		"status", rec.Status,
		"previous_status", rec.PreviousStatus,
	)
	return *rec, nil
}

// ApplyProgress folds an agent.progress event into the tracker.
func (t *Tracker) ApplyProgress(requestID string, at time.Time, p protocol.ProgressPayload) (Record, error) {
	if requestID == "" || p.AgentID == "" {
		return Record{}, ErrMissingKey
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.lookupLocked(requestID, p.AgentID)
	if rec.Terminal() {
		return *rec, t.anomalyLocked(rec, protocol.TypeAgentProgress)
	}
	progress := p.Progress
	rec.Progress = &progress
	rec.UpdatedAt = at
	return *rec, nil
}

// ApplyLog records the latest agent.log line. Logs are accepted after a
// terminal status since agents often flush output while shutting down.
func (t *Tracker) ApplyLog(requestID string, at time.Time, p protocol.LogPayload) (Record, error) {
	if requestID == "" || p.AgentID == "" {
		return Record{}, ErrMissingKey
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.lookupLocked(requestID, p.AgentID)
	rec.LastLog = p.Message
	rec.UpdatedAt = at
	return *rec, nil
}

// Get returns a copy of one record.
func (t *Tracker) Get(requestID, agentID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[requestID][agentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of every agent record for a request, ordered by agent id.
func (t *Tracker) Records(requestID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agents := t.records[requestID]
	out := make([]Record, 0, len(agents))
	for _, rec := range agents {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Requests returns the ids of every request with at least one record.
func (t *Tracker) Requests() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AllTerminal reports whether every known agent of the request has finished.
// A request with no records is not terminal.
func (t *Tracker) AllTerminal(requestID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agents := t.records[requestID]
	if len(agents) == 0 {
		return false
	}
	for _, rec := range agents {
		if !rec.Terminal() {
			return false
		}
	}
	return true
}

// MarkCancelling notes that the client asked to cancel the request. Events
// keep being accepted until the agents report a terminal status.
func (t *Tracker) MarkCancelling(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelling[requestID] = true
}

// Cancelling reports whether a cancel was requested and not yet forgotten.
func (t *Tracker) Cancelling(requestID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelling[requestID]
}

// Forget drops every record of a request once it reached a terminal state.
// Returns the number of records removed.
func (t *Tracker) Forget(requestID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.records[requestID])
	delete(t.records, requestID)
	delete(t.cancelling, requestID)
	return n
}

// Anomalies returns how many events arrived after a terminal status.
func (t *Tracker) Anomalies() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.anomalies
}
