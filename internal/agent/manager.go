// ABOUTME: Manages registered agent workers and dispatches requests across them
// ABOUTME: Each dispatch is a Run: workers execute concurrently and stream typed events on one channel

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/protocol"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// DefaultTimeout bounds a single worker's Run.
const DefaultTimeout = 5 * time.Minute

const (
	eventBuffer   = 64
	messageBuffer = 16
)

// Submission selects workers and describes the work.
type Submission struct {
	RequestID  string
	Topic      string
	Agents     []string
	Parameters map[string]any
}

// Manager coordinates all registered agents and dispatches work to them.
type Manager struct {
	agents  map[string]Worker
	mu      sync.RWMutex
	timeout time.Duration
	active  atomic.Int64
	logger  *slog.Logger
}

// NewManager creates a new Manager instance. A non-positive timeout uses DefaultTimeout.
func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:  make(map[string]Worker),
		timeout: timeout,
		logger:  logger.With("component", "agents"),
	}
}

// Register adds a worker. Returns ErrAgentAlreadyRegistered if the ID is taken.
func (m *Manager) Register(w Worker) error {
	info := w.Info()
	if info.ID == "" {
		return errors.New("agent id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[info.ID]; exists {
		return ErrAgentAlreadyRegistered
	}
	m.agents[info.ID] = w
	m.logger.Info("agent registered",
		"agent_id", info.ID,
		"name", info.Name,
		"capabilities", info.Capabilities,
		"total_agents", len(m.agents),
	)
	return nil
}

// Unregister removes an agent. Runs already dispatched to it continue.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agentID]; exists {
		delete(m.agents, agentID)
		m.logger.Info("agent unregistered", "agent_id", agentID, "total_agents", len(m.agents))
	}
}

// List returns every registered agent ordered by ID.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.agents))
	for _, w := range m.agents {
		out = append(out, w.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get retrieves a specific agent by ID.
func (m *Manager) Get(id string) (Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.agents[id]
	return w, ok
}

// Active returns the number of runs still executing.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

func (m *Manager) selectWorkers(ids []string) ([]Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(ids) == 0 {
		workers := make([]Worker, 0, len(m.agents))
		for _, w := range m.agents {
			workers = append(workers, w)
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].Info().ID < workers[j].Info().ID })
		if len(workers) == 0 {
			return nil, ErrNoAgentsAvailable
		}
		return workers, nil
	}

	seen := make(map[string]bool, len(ids))
	workers := make([]Worker, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		w, ok := m.agents[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// Dispatch starts every selected worker concurrently. An empty Agents list
// selects all registered agents. The run ends when every worker has
// reported a terminal status; its event channel is then closed.
func (m *Manager) Dispatch(ctx context.Context, sub Submission) (*Run, error) {
	if sub.RequestID == "" {
		return nil, errors.New("request id is required")
	}
	workers, err := m.selectWorkers(sub.Agents)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	messages := make(chan string, messageBuffer)
	run := &Run{
		RequestID: sub.RequestID,
		events:    make(chan Event, eventBuffer),
		messages:  messages,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, w := range workers {
		run.Agents = append(run.Agents, w.Info())
	}

	task := Task{
		RequestID:  sub.RequestID,
		Topic:      sub.Topic,
		Parameters: sub.Parameters,
		Messages:   messages,
	}

	m.active.Add(1)
	m.logger.Info("dispatching request",
		"request_id", sub.RequestID,
		"topic", sub.Topic,
		"agents", len(workers),
	)

	var g errgroup.Group
	results := make([]protocol.AgentStatus, len(workers))
	for i, w := range workers {
		g.Go(func() error {
			results[i] = m.runWorker(runCtx, w, task, run.events)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		cancel()
		run.finish(aggregate(results))
		m.active.Add(-1)
		m.logger.Info("request finished", "request_id", sub.RequestID, "status", run.Status())
	}()

	return run, nil
}

// runWorker drives one worker through idle, working and a terminal status.
func (m *Manager) runWorker(runCtx context.Context, w Worker, task Task, events chan<- Event) protocol.AgentStatus {
	info := w.Info()
	em := newEmitter(info, events)
	logger := m.logger.With("request_id", task.RequestID, "agent_id", info.ID)

	em.transition(protocol.StatusWorking, task.Topic, nil)

	ctx, cancel := context.WithTimeout(runCtx, m.timeout)
	defer cancel()

	err := runSafely(ctx, w, task, em)

	switch {
	case err == nil:
		em.transition(protocol.StatusComplete, "", nil)
		return protocol.StatusComplete

	case runCtx.Err() != nil:
		logger.Info("agent cancelled")
		em.transition(protocol.StatusCancelled, "", nil)
		return protocol.StatusCancelled

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		logger.Warn("agent timed out", "timeout", m.timeout)
		em.send(Event{Type: protocol.TypeError, Payload: protocol.NewError(protocol.CodeAgentTimeout,
			"agent %s exceeded %s", info.ID, m.timeout)})
		em.transition(protocol.StatusError, "", nil)
		return protocol.StatusError

	default:
		logger.Warn("agent failed", "error", err)
		em.send(Event{Type: protocol.TypeError, Payload: protocol.NewError(protocol.CodeAgentError,
			"agent %s: %v", info.ID, err)})
		em.transition(protocol.StatusError, "", nil)
		return protocol.StatusError
	}
}

func runSafely(ctx context.Context, w Worker, task Task, em Emitter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return w.Run(ctx, task, em)
}

// aggregate folds worker outcomes into the request status: any error wins,
// then cancellation, otherwise complete.
func aggregate(results []protocol.AgentStatus) protocol.AgentStatus {
	out := protocol.StatusComplete
	for _, s := range results {
		switch s {
		case protocol.StatusError:
			return protocol.StatusError
		case protocol.StatusCancelled:
			out = protocol.StatusCancelled
		}
	}
	return out
}

// Run is one dispatched request.
type Run struct {
	RequestID string
	Agents    []Info

	events   chan Event
	messages chan string
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	status protocol.AgentStatus
}

// Events streams worker output. It is closed once every worker finished;
// readers must drain it.
func (r *Run) Events() <-chan Event { return r.events }

// Cancel asks every worker to stop. Workers report cancelled once they return.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Status returns the aggregate terminal status, or working while running.
func (r *Run) Status() protocol.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == "" {
		return protocol.StatusWorking
	}
	return r.status
}

// Send delivers a chat message to the workers. Returns false if the run is
// finished or its inbox is full.
func (r *Run) Send(message string) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.messages <- message:
		return true
	default:
		return false
	}
}

func (r *Run) finish(status protocol.AgentStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	close(r.events)
	close(r.done)
}
