// ABOUTME: Worker contract for agent business logic and the Emitter it reports through
// ABOUTME: Workers are opaque producers of typed events; the relay never inspects their content

package agent

import (
	"context"
	"sync"

	"github.com/2389/coven-relay/internal/protocol"
)

// Info describes a registered worker.
type Info struct {
	ID           string
	Name         string
	Capabilities []string
}

// Wire converts Info to its connection.ack form.
func (i Info) Wire() protocol.AgentInfo {
	return protocol.AgentInfo{ID: i.ID, Name: i.Name, Capabilities: i.Capabilities}
}

// Task is one unit of work handed to a worker.
type Task struct {
	RequestID  string
	Topic      string
	Parameters map[string]any
	// Messages carries chat messages addressed to the running request.
	Messages <-chan string
}

// Worker performs the business logic of one agent. Run must return when ctx
// is cancelled. The final status is reported by the manager, not the worker.
type Worker interface {
	Info() Info
	Run(ctx context.Context, task Task, emit Emitter) error
}

// Emitter reports progress and output for one worker within one run.
type Emitter interface {
	// Status reports a non-terminal transition such as working or waiting.
	Status(status protocol.AgentStatus, task string)
	Progress(current, total int64, unit string)
	Log(level, message string)
	Chunk(section string, index int, content string, final bool)
	Complete(content protocol.ContentCompletePayload)
	Validation(result protocol.ValidationPayload)
}

// Event is one typed output of a run. Type is the protocol event type and
// Payload the matching payload struct.
type Event struct {
	Type    string
	AgentID string
	Payload any
}

// emitter serializes one worker's events and enforces its lifecycle.
type emitter struct {
	info   Info
	events chan<- Event

	mu       sync.Mutex
	status   protocol.AgentStatus
	finished bool
}

func newEmitter(info Info, events chan<- Event) *emitter {
	return &emitter{info: info, events: events, status: protocol.StatusIdle}
}

func (e *emitter) send(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	ev.AgentID = e.info.ID
	e.events <- ev
}

// transition moves to status and emits agent.status. Terminal statuses seal the emitter.
func (e *emitter) transition(status protocol.AgentStatus, task string, progress *protocol.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished || status == e.status && !status.Terminal() && task == "" {
		return
	}
	payload := protocol.StatusPayload{
		AgentID:         e.info.ID,
		AgentName:       e.info.Name,
		Status:          status,
		PreviousStatus:  e.status,
		TaskDescription: task,
		Progress:        progress,
	}
	e.status = status
	e.events <- Event{Type: protocol.TypeAgentStatus, AgentID: e.info.ID, Payload: payload}
	if status.Terminal() {
		e.finished = true
	}
}

func (e *emitter) Status(status protocol.AgentStatus, task string) {
	if status.Terminal() || !status.Valid() {
		return
	}
	e.transition(status, task, nil)
}

func (e *emitter) Progress(current, total int64, unit string) {
	e.send(Event{Type: protocol.TypeAgentProgress, Payload: protocol.ProgressPayload{
		AgentID:  e.info.ID,
		Progress: protocol.Progress{Current: current, Total: total, Unit: unit},
	}})
}

func (e *emitter) Log(level, message string) {
	e.send(Event{Type: protocol.TypeAgentLog, Payload: protocol.LogPayload{
		AgentID: e.info.ID, Level: level, Message: message,
	}})
}

func (e *emitter) Chunk(section string, index int, content string, final bool) {
	e.send(Event{Type: protocol.TypeContentChunk, Payload: protocol.ChunkPayload{
		ChunkIndex: index, Content: content, Section: section, IsFinal: final, AgentID: e.info.ID,
	}})
}

func (e *emitter) Complete(content protocol.ContentCompletePayload) {
	e.send(Event{Type: protocol.TypeContentComplete, Payload: content})
}

func (e *emitter) Validation(result protocol.ValidationPayload) {
	if result.AgentID == "" {
		result.AgentID = e.info.ID
	}
	e.send(Event{Type: protocol.TypeValidationResult, Payload: result})
}
