// ABOUTME: Commands sent through the correlation registry: submit, cancel and chat
// ABOUTME: Each returns a Future that settles exactly once with the acknowledgment or an error

package client

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/correlation"
	"github.com/2389/coven-relay/internal/protocol"
)

// Submit sends a command and registers a pending request for its
// acknowledgment. A zero timeout uses the per-type default. The returned
// future settles with the acknowledging envelope, a *protocol.RemoteError,
// correlation.ErrTimeout or a connection error.
func (m *Manager) Submit(ctx context.Context, eventType, requestID string, payload any, timeout time.Duration) (*correlation.Future, error) {
	var (
		f   *correlation.Future
		err error
	)
	if callErr := m.call(ctx, func() {
		if m.session.ID == "" {
			err = ErrNotConnected
			return
		}
		f, err = m.submit(eventType, requestID, payload, timeout)
	}); callErr != nil {
		return nil, callErr
	}
	return f, err
}

// submit runs on the loop.
func (m *Manager) submit(eventType, requestID string, payload any, timeout time.Duration) (*correlation.Future, error) {
	if m.state != Connected || m.conn == nil {
		return nil, ErrNotConnected
	}
	now := m.clk.Now()
	env, err := protocol.NewAt(now, eventType, m.session.ID, payload)
	if err != nil {
		return nil, err
	}
	env.RequestID = requestID

	if timeout <= 0 {
		timeout = m.cfg.Timeouts.For(eventType)
	}
	f, err := m.registry.Register(env.ID, eventType, now.Add(timeout))
	if err != nil {
		return nil, err
	}
	if err := m.write(env); err != nil {
		m.registry.Reject(env.ID, err)
		return f, err
	}
	m.scheduleSweep()

	m.logger.Debug("command sent", "envelope_type", eventType, "envelope_id", env.ID, "request_id", requestID, "timeout", timeout)
	return f, nil
}

// SubmitRequest starts a unit of work and waits up to the submit timeout
// for request.accepted.
func (m *Manager) SubmitRequest(ctx context.Context, p protocol.SubmitPayload) (*correlation.Future, error) {
	if p.Topic == "" {
		return nil, errors.New("submit: topic is required")
	}
	return m.Submit(ctx, protocol.TypeRequestSubmit, "", p, 0)
}

// Cancel asks the gateway to stop a request. Status and content events for
// it keep flowing until the agents report a terminal state.
func (m *Manager) Cancel(ctx context.Context, requestID, reason string) (*correlation.Future, error) {
	if requestID == "" {
		return nil, errors.New("cancel: request id is required")
	}
	m.tracker.MarkCancelling(requestID)
	return m.Submit(ctx, protocol.TypeRequestCancel, requestID, protocol.CancelPayload{RequestID: requestID, Reason: reason}, 0)
}

// SendChat sends a free-form message, optionally scoped to a request.
func (m *Manager) SendChat(ctx context.Context, requestID, content string) (*correlation.Future, error) {
	return m.Submit(ctx, protocol.TypeChatMessage, requestID, protocol.ChatPayload{RequestID: requestID, Content: content}, 0)
}

// AcceptedRequestID extracts the request id from a request.accepted envelope.
func AcceptedRequestID(env *protocol.Envelope) (string, error) {
	p, err := protocol.DecodePayload[protocol.AcceptedPayload](env)
	if err != nil {
		return "", err
	}
	if p.RequestID == "" {
		return env.RequestID, nil
	}
	return p.RequestID, nil
}

// scheduleSweep arms one timer for the earliest pending deadline.
func (m *Manager) scheduleSweep() {
	next, ok := m.registry.NextDeadline()
	if !ok {
		m.stopSweep()
		return
	}
	if m.sweepTimer != nil && !m.sweepAt.After(next) {
		return
	}
	m.stopSweep()
	m.sweepAt = next
	m.sweepTimer = m.clk.AfterFunc(next.Sub(m.clk.Now()), func() {
		m.post(m.sweep)
	})
}

func (m *Manager) sweep() {
	m.sweepTimer = nil
	if n := m.registry.Expire(m.clk.Now()); n > 0 {
		m.logger.Debug("expired pending requests", "count", n)
	}
	m.scheduleSweep()
}

func (m *Manager) stopSweep() {
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
		m.sweepTimer = nil
	}
}
