// ABOUTME: Future returned for each pending request; settles exactly once
// ABOUTME: Callers block on Wait or select on Done without blocking the dispatch loop

package correlation

import (
	"context"
	"sync"

	"github.com/2389/coven-relay/internal/protocol"
)

// Future is the eventual outcome of one command.
type Future struct {
	id        string
	eventType string
	done      chan struct{}
	once      sync.Once

	env *protocol.Envelope
	err error
}

func newFuture(id, eventType string) *Future {
	return &Future{id: id, eventType: eventType, done: make(chan struct{})}
}

// settle records the outcome. Later calls are ignored.
func (f *Future) settle(env *protocol.Envelope, err error) bool {
	settled := false
	f.once.Do(func() {
		f.env = env
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// ID returns the command envelope id this future correlates with.
func (f *Future) ID() string { return f.id }

// Type returns the command type.
func (f *Future) Type() string { return f.eventType }

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Settled reports whether the future has an outcome.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. Both values are nil while pending.
func (f *Future) Result() (*protocol.Envelope, error) {
	if !f.Settled() {
		return nil, nil
	}
	return f.env, f.err
}

// Wait blocks until the future settles or ctx ends. Ending ctx does not
// remove the request from the registry; the deadline sweep does that.
func (f *Future) Wait(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case <-f.done:
		return f.env, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
