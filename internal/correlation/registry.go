// ABOUTME: Request correlation registry mapping outbound command ids to pending futures
// ABOUTME: Resolves on matching responses, rejects on errors, deadline sweep, or disconnect

package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

// DefaultTimeout applies to any command type without an explicit entry.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout indicates no matching response arrived before the deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrDuplicateID indicates a second registration for an id that is still pending.
	ErrDuplicateID = errors.New("duplicate pending request id")

	// ErrCancelled indicates the caller abandoned the request.
	ErrCancelled = errors.New("request cancelled")
)

// Timeouts maps command types to acknowledgment deadlines.
type Timeouts map[string]time.Duration

// DefaultTimeouts returns the per-command defaults. A submission only waits
// for the acknowledgment, never for the generated content, but generation
// backends can be slow to accept.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		protocol.TypeConnectionInit: 10 * time.Second,
		protocol.TypeRequestSubmit:  60 * time.Second,
	}
}

// For returns the timeout for eventType, falling back to DefaultTimeout.
func (t Timeouts) For(eventType string) time.Duration {
	if d, ok := t[eventType]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

type entry struct {
	eventType string
	deadline  time.Time
	future    *Future
}

// Registry tracks pending requests keyed by the id of the command envelope.
//
// Every entry leaves the registry exactly once: through Resolve, Reject,
// Cancel, Expire or RejectAll. The future is settled by whichever removes it.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*entry
	strict  bool
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict makes duplicate registrations panic instead of returning
// ErrDuplicateID. Used by debug builds and tests.
func WithStrict(strict bool) Option {
	return func(r *Registry) { r.strict = strict }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		pending: make(map[string]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "correlation")
	return r
}

// Register creates a pending request for id that expires at deadline.
func (r *Registry) Register(id, eventType string, deadline time.Time) (*Future, error) {
	if id == "" {
		return nil, errors.New("correlation id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[id]; exists {
		if r.strict {
			panic(fmt.Sprintf("correlation: duplicate pending request id %q", id))
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	f := newFuture(id, eventType)
	r.pending[id] = &entry{eventType: eventType, deadline: deadline, future: f}
	r.logger.Debug("request registered", "id", id, "envelope_type", eventType, "deadline", deadline)
	return f, nil
}

// take removes and returns the entry for id.
func (r *Registry) take(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return e, ok
}

// Resolve fulfills the request whose id equals correlationID with env.
// An unmatched id is discarded: the caller may have timed out already.
func (r *Registry) Resolve(correlationID string, env *protocol.Envelope) bool {
	e, ok := r.take(correlationID)
	if !ok {
		r.logger.Debug("discarding unmatched response", "correlation_id", correlationID)
		return false
	}
	e.future.settle(env, nil)
	return true
}

// Reject fails the request whose id equals correlationID. Unmatched ids are a no-op.
func (r *Registry) Reject(correlationID string, err error) bool {
	e, ok := r.take(correlationID)
	if !ok {
		r.logger.Debug("discarding unmatched rejection", "correlation_id", correlationID, "error", err)
		return false
	}
	e.future.settle(nil, err)
	return true
}

// Cancel abandons a pending request, rejecting it with ErrCancelled.
func (r *Registry) Cancel(id string) bool {
	return r.Reject(id, ErrCancelled)
}

// Expire rejects every request whose deadline is at or before now and
// returns how many were rejected.
func (r *Registry) Expire(now time.Time) int {
	r.mu.Lock()
	var expired []*entry
	for id, e := range r.pending {
		if !e.deadline.After(now) {
			expired = append(expired, e)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.logger.Warn("request timed out", "id", e.future.id, "envelope_type", e.eventType)
		e.future.settle(nil, fmt.Errorf("%w: %s %s", ErrTimeout, e.eventType, e.future.id))
	}
	return len(expired)
}

// RejectAll fails every pending request with err and returns how many were rejected.
func (r *Registry) RejectAll(err error) int {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range all {
		e.future.settle(nil, err)
	}
	if len(all) > 0 {
		r.logger.Info("rejected all pending requests", "count", len(all), "reason", err)
	}
	return len(all)
}

// NextDeadline returns the earliest pending deadline.
func (r *Registry) NextDeadline() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next time.Time
	found := false
	for _, e := range r.pending {
		if !found || e.deadline.Before(next) {
			next = e.deadline
			found = true
		}
	}
	return next, found
}

// Pending reports whether id is still outstanding.
func (r *Registry) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
