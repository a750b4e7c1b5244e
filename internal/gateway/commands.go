// ABOUTME: Inbound frame handling: heartbeats, termination and the submit/cancel/chat commands
// ABOUTME: Every command gets exactly one correlated answer: an acknowledgment or an error

package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/protocol"
)

// handle processes one inbound frame. A returned error ends the session.
func (s *session) handle(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("malformed frame dropped", "error", err)
		s.notify(protocol.NewError(protocol.CodeValidationFailed, "malformed frame: %v", err))
		return nil
	}
	if s.seen.Seen(env.ID) {
		s.logger.Debug("duplicate envelope dropped", "envelope_id", env.ID, "envelope_type", env.Type)
		return nil
	}

	switch env.Type {
	case protocol.TypePing:
		return s.pong(env)

	case protocol.TypeConnectionTerminate:
		reason := ""
		if p, err := protocol.DecodePayload[protocol.TerminatePayload](env); err == nil {
			reason = p.Reason
		}
		s.logger.Info("client terminated session", "reason", reason)
		return errTerminated

	case protocol.TypeConnectionInit:
		s.replyError(env, protocol.NewError(protocol.CodeValidationFailed, "session already initialized"))

	case protocol.TypeRequestSubmit, protocol.TypeRequestCancel, protocol.TypeChatMessage:
		if !s.limiter.Allow() {
			s.logger.Warn("rate limit exceeded", "envelope_type", env.Type, "envelope_id", env.ID)
			s.replyError(env, protocol.NewError(protocol.CodeRateLimit, "rate limit exceeded, retry later"))
			return nil
		}
		switch env.Type {
		case protocol.TypeRequestSubmit:
			s.submit(env)
		case protocol.TypeRequestCancel:
			s.cancelRequest(env)
		default:
			s.chat(env)
		}

	default:
		if protocol.Known(env.Type) {
			s.replyError(env, protocol.NewError(protocol.CodeValidationFailed, "%s is not accepted from clients", env.Type))
			return nil
		}
		s.logger.Debug("ignoring unknown event type", "envelope_type", env.Type)
	}
	return nil
}

// notify sends an uncorrelated error.
func (s *session) notify(p protocol.ErrorPayload) {
	env, err := protocol.NewAt(s.gw.clk.Now(), protocol.TypeError, s.id, p)
	if err != nil {
		return
	}
	if err := s.send(env); err != nil {
		s.logger.Debug("sending error", "code", p.Code, "error", err)
	}
}

func (s *session) pong(ping *protocol.Envelope) error {
	now := s.gw.clk.Now()
	err := s.reply(ping, protocol.TypePong, protocol.HeartbeatPayload{Timestamp: protocol.FormatTimestamp(now)})
	if err != nil && s.ctx.Err() != nil {
		return err
	}
	return nil
}

// replyFor sends a correlated answer carrying requestID.
func (s *session) replyFor(to *protocol.Envelope, eventType, requestID string, payload any) {
	env, err := protocol.Reply(s.gw.clk.Now(), to, eventType, s.id, payload)
	if err != nil {
		s.logger.Error("building reply", "envelope_type", eventType, "error", err)
		return
	}
	env.RequestID = requestID
	if err := s.send(env); err != nil {
		s.logger.Debug("sending reply", "envelope_type", eventType, "error", err)
	}
}

func (s *session) failRequest(to *protocol.Envelope, requestID string, p protocol.ErrorPayload) {
	s.logger.Info("request rejected", "request_id", requestID, "code", p.Code, "reason", p.Message)
	s.replyFor(to, protocol.TypeRequestFailed, requestID, protocol.FailedPayload{RequestID: requestID, Error: p})
}

func (s *session) submit(env *protocol.Envelope) {
	requestID := env.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	p, err := protocol.DecodePayload[protocol.SubmitPayload](env)
	if err != nil {
		s.failRequest(env, requestID, protocol.NewError(protocol.CodeValidationFailed, "invalid submission: %v", err))
		return
	}
	if strings.TrimSpace(p.Topic) == "" {
		s.failRequest(env, requestID, protocol.NewError(protocol.CodeValidationFailed, "topic is required"))
		return
	}
	if s.gw.runs.exists(s.clientID, requestID) {
		s.failRequest(env, requestID, protocol.NewError(protocol.CodeValidationFailed, "request %s is already running", requestID))
		return
	}

	s.start(env, agent.Submission{
		RequestID:  requestID,
		Topic:      p.Topic,
		Agents:     p.Agents,
		Parameters: p.Parameters,
	}, func() {
		s.replyFor(env, protocol.TypeRequestAccepted, requestID, protocol.AcceptedPayload{RequestID: requestID})
	}, func(ep protocol.ErrorPayload) {
		s.failRequest(env, requestID, ep)
	})
}

// start dispatches sub, registers the run and streams its events after
// accepted has been sent. Runs outlive the session that started them.
func (s *session) start(env *protocol.Envelope, sub agent.Submission, accepted func(), failed func(protocol.ErrorPayload)) {
	run, err := s.gw.agents.Dispatch(context.WithoutCancel(s.ctx), sub)
	if err != nil {
		failed(dispatchError(err))
		return
	}
	rr, err := s.gw.runs.add(s, sub.RequestID, run)
	if err != nil {
		run.Cancel()
		go drain(run)
		failed(protocol.NewError(protocol.CodeValidationFailed, "request %s is already running", sub.RequestID))
		return
	}
	s.logger.Info("request accepted", "request_id", sub.RequestID, "agents", len(run.Agents), "envelope_id", env.ID)
	accepted()
	go s.gw.pump(rr)
}

func dispatchError(err error) protocol.ErrorPayload {
	switch {
	case errors.Is(err, agent.ErrNoAgentsAvailable):
		return protocol.NewError(protocol.CodeServiceUnavailable, "no agents available")
	case errors.Is(err, agent.ErrAgentNotFound):
		return protocol.NewError(protocol.CodeValidationFailed, "%v", err)
	default:
		return protocol.NewError(protocol.CodeInternalError, "dispatch failed: %v", err)
	}
}

func drain(run *agent.Run) {
	for range run.Events() {
	}
}

func (s *session) cancelRequest(env *protocol.Envelope) {
	p, err := protocol.DecodePayload[protocol.CancelPayload](env)
	if err != nil {
		s.replyError(env, protocol.NewError(protocol.CodeValidationFailed, "invalid cancel: %v", err))
		return
	}
	requestID := p.RequestID
	if requestID == "" {
		requestID = env.RequestID
	}
	rr := s.gw.runs.get(s.clientID, requestID)
	if rr == nil {
		s.replyError(env, protocol.NewError(protocol.CodeValidationFailed, "unknown request %q", requestID))
		return
	}
	s.logger.Info("cancelling request", "request_id", requestID, "reason", p.Reason)
	s.replyFor(env, protocol.TypeRequestAccepted, requestID, protocol.AcceptedPayload{RequestID: requestID})
	rr.run.Cancel()
}

// chat forwards a message to a running request, or starts a single-agent
// request on the next agent in rotation when none is named.
func (s *session) chat(env *protocol.Envelope) {
	p, err := protocol.DecodePayload[protocol.ChatPayload](env)
	if err == nil && strings.TrimSpace(p.Content) == "" {
		err = errors.New("content is required")
	}
	if err != nil {
		s.replyError(env, protocol.NewError(protocol.CodeValidationFailed, "invalid chat message: %v", err))
		return
	}
	accepted := protocol.ChatAcceptedPayload{MessageID: env.ID}

	requestID := p.RequestID
	if requestID == "" {
		requestID = env.RequestID
	}
	if requestID != "" {
		rr := s.gw.runs.get(s.clientID, requestID)
		if rr == nil {
			s.replyError(env, protocol.NewError(protocol.CodeValidationFailed, "unknown request %q", requestID))
			return
		}
		if !rr.run.Send(p.Content) {
			s.replyError(env, protocol.NewError(protocol.CodeServiceUnavailable, "request %s is not accepting messages", requestID))
			return
		}
		s.replyFor(env, protocol.TypeChatAccepted, requestID, accepted)
		return
	}

	target, err := s.gw.selector.SelectAgent(s.gw.agents.List())
	if err != nil {
		s.replyError(env, dispatchError(err))
		return
	}
	requestID = uuid.New().String()
	s.start(env, agent.Submission{
		RequestID: requestID,
		Topic:     p.Content,
		Agents:    []string{target.ID},
	}, func() {
		s.replyFor(env, protocol.TypeChatAccepted, requestID, accepted)
	}, func(ep protocol.ErrorPayload) {
		s.replyError(env, ep)
	})
}
