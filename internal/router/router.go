// ABOUTME: Event router fanning decoded envelopes out to registry, tracker, assembler and subscribers
// ABOUTME: Total over the event namespace: unknown types are logged and dropped, never fatal

package router

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/assembly"
	"github.com/2389/coven-relay/internal/broadcast"
	"github.com/2389/coven-relay/internal/correlation"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/status"
)

// errorBufferSize is the capacity of the dedicated error channel.
const errorBufferSize = 64

// ErrUnexpectedDirection indicates a client-to-server type arriving at the client.
var ErrUnexpectedDirection = errors.New("envelope type not expected from server")

// ErrorEvent is delivered on the error channel. Err is a *protocol.RemoteError
// for server-reported failures or a local error such as *assembly.IncompleteError.
type ErrorEvent struct {
	Envelope   *protocol.Envelope
	Err        error
	Correlated bool
}

// Config wires a Router to the consumers it feeds.
type Config struct {
	Registry    *correlation.Registry
	Tracker     *status.Tracker
	Assembler   *assembly.Assembler
	Broadcaster *broadcast.Broadcaster

	// OnAck is called for connection.ack before the handshake future resolves.
	OnAck func(env *protocol.Envelope, ack protocol.AckPayload)
	// OnPong is called for every pong.
	OnPong func(env *protocol.Envelope)
	// OnArtifact receives every section the assembler completes.
	OnArtifact func(art assembly.Artifact)
	// Errors overrides the error channel the router creates itself.
	Errors chan ErrorEvent

	Logger *slog.Logger
}

// Router dispatches envelopes. It is driven from a single loop goroutine.
type Router struct {
	cfg    Config
	errs   chan ErrorEvent
	logger *slog.Logger
}

// New creates a Router. Registry, Tracker, Assembler and Broadcaster are required.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errs := cfg.Errors
	if errs == nil {
		errs = make(chan ErrorEvent, errorBufferSize)
	}
	return &Router{
		cfg:    cfg,
		errs:   errs,
		logger: logger.With("component", "router"),
	}
}

// Errors is the dedicated error channel.
func (r *Router) Errors() <-chan ErrorEvent {
	return r.errs
}

// Dispatch routes one envelope. It never panics; a returned error means the
// envelope was a protocol violation and was dropped.
func (r *Router) Dispatch(env *protocol.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", "envelope_type", env.Type, "envelope_id", env.ID, "panic", p)
			err = fmt.Errorf("handling %s: panic: %v", env.Type, p)
		}
	}()

	err = r.route(env)
	if err != nil {
		r.logger.Warn("dropping envelope", "envelope_type", env.Type, "envelope_id", env.ID, "error", err)
	}
	return err
}

func (r *Router) route(env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeConnectionAck:
		return r.handleAck(env)

	case protocol.TypePong:
		if r.cfg.OnPong != nil {
			r.cfg.OnPong(env)
		}
		return nil

	case protocol.TypePing:
		r.logger.Debug("ignoring server ping", "envelope_id", env.ID)
		return nil

	case protocol.TypeRequestAccepted, protocol.TypeChatAccepted:
		r.resolve(env)
		r.cfg.Broadcaster.Publish(env)
		return nil

	case protocol.TypeRequestFailed:
		return r.handleFailed(env)

	case protocol.TypeRequestComplete:
		return r.handleRequestComplete(env)

	case protocol.TypeAgentStatus, protocol.TypeAgentProgress, protocol.TypeAgentLog:
		return r.handleAgent(env)

	case protocol.TypeContentChunk:
		return r.handleChunk(env)

	case protocol.TypeContentComplete:
		return r.handleContentComplete(env)

	case protocol.TypeError:
		return r.handleError(env)

	case protocol.TypeConnectionInit, protocol.TypeConnectionTerminate,
		protocol.TypeRequestSubmit, protocol.TypeRequestCancel, protocol.TypeChatMessage:
		return fmt.Errorf("%w: %s", ErrUnexpectedDirection, env.Type)
	}

	if env.Namespace() == protocol.NamespaceValidation {
		r.cfg.Broadcaster.Publish(env)
		return nil
	}

	r.logger.Debug("unknown envelope type dropped", "envelope_type", env.Type, "envelope_id", env.ID)
	return nil
}

func (r *Router) resolve(env *protocol.Envelope) {
	if env.CorrelationID == "" {
		return
	}
	r.cfg.Registry.Resolve(env.CorrelationID, env)
}

func (r *Router) emitError(ev ErrorEvent) {
	select {
	case r.errs <- ev:
	default:
		r.logger.Warn("error channel full, dropping error", "error", ev.Err)
	}
}

func (r *Router) handleAck(env *protocol.Envelope) error {
	ack, err := protocol.DecodePayload[protocol.AckPayload](env)
	if err != nil {
		return err
	}
	if ack.SessionID == "" {
		return fmt.Errorf("%w: connection.ack without sessionId", protocol.ErrMalformed)
	}
	if r.cfg.OnAck != nil {
		r.cfg.OnAck(env, ack)
	}
	r.resolve(env)
	return nil
}

func (r *Router) handleFailed(env *protocol.Envelope) error {
	failed, err := protocol.DecodePayload[protocol.FailedPayload](env)
	if err != nil {
		return err
	}
	requestID := failed.RequestID
	if requestID == "" {
		requestID = env.RequestID
	}
	remote := failed.Error.AsRemote(requestID)

	correlated := env.CorrelationID != "" && r.cfg.Registry.Reject(env.CorrelationID, remote)
	if !correlated {
		r.emitError(ErrorEvent{Envelope: env, Err: remote})
	}
	if requestID != "" {
		r.cfg.Tracker.Forget(requestID)
		r.cfg.Assembler.Discard(requestID)
	}
	r.cfg.Broadcaster.Publish(env)
	return nil
}

func (r *Router) handleRequestComplete(env *protocol.Envelope) error {
	done, err := protocol.DecodePayload[protocol.CompletePayload](env)
	if err != nil {
		return err
	}
	requestID := done.RequestID
	if requestID == "" {
		requestID = env.RequestID
	}
	if requestID == "" {
		return fmt.Errorf("%w: request.complete without requestId", protocol.ErrMalformed)
	}

	for _, art := range r.cfg.Assembler.FinalizeReady(requestID) {
		r.deliverArtifact(art)
	}
	for _, section := range r.cfg.Assembler.Sections(requestID) {
		if _, err := r.cfg.Assembler.Finalize(requestID, section); err != nil {
			r.emitError(ErrorEvent{Envelope: env, Err: err})
		}
	}
	r.cfg.Assembler.Discard(requestID)
	forgotten := r.cfg.Tracker.Forget(requestID)

	r.logger.Debug("request finished", "request_id", requestID, "status", done.Status, "agents", forgotten)
	r.cfg.Broadcaster.Publish(env)
	return nil
}

func (r *Router) handleAgent(env *protocol.Envelope) error {
	at, err := env.Time()
	if err != nil {
		at = time.Time{}
	}

	switch env.Type {
	case protocol.TypeAgentStatus:
		p, err := protocol.DecodePayload[protocol.StatusPayload](env)
		if err != nil {
			return err
		}
		if _, err := r.cfg.Tracker.Apply(env.RequestID, at, p); err != nil && !errors.Is(err, status.ErrAfterTerminal) {
			return err
		}
	case protocol.TypeAgentProgress:
		p, err := protocol.DecodePayload[protocol.ProgressPayload](env)
		if err != nil {
			return err
		}
		if _, err := r.cfg.Tracker.ApplyProgress(env.RequestID, at, p); err != nil && !errors.Is(err, status.ErrAfterTerminal) {
			return err
		}
	case protocol.TypeAgentLog:
		p, err := protocol.DecodePayload[protocol.LogPayload](env)
		if err != nil {
			return err
		}
		if _, err := r.cfg.Tracker.ApplyLog(env.RequestID, at, p); err != nil {
			return err
		}
	}

	r.cfg.Broadcaster.Publish(env)
	return nil
}

func (r *Router) handleChunk(env *protocol.Envelope) error {
	chunk, err := protocol.DecodePayload[protocol.ChunkPayload](env)
	if err != nil {
		return err
	}
	if chunk.AgentID == "" {
		chunk.AgentID = env.AgentID()
	}

	ready, err := r.cfg.Assembler.Append(env.RequestID, chunk)
	if err != nil {
		r.emitError(ErrorEvent{Envelope: env, Err: err})
		return err
	}
	if !ready {
		return nil
	}

	art, err := r.cfg.Assembler.Finalize(env.RequestID, chunk.Section)
	if err != nil {
		r.emitError(ErrorEvent{Envelope: env, Err: err})
		return nil
	}
	r.deliverArtifact(art)
	return nil
}

func (r *Router) handleContentComplete(env *protocol.Envelope) error {
	if _, err := protocol.DecodePayload[protocol.ContentCompletePayload](env); err != nil {
		return err
	}
	if env.RequestID != "" {
		for _, art := range r.cfg.Assembler.FinalizeReady(env.RequestID) {
			r.deliverArtifact(art)
		}
		// Only the completing agent's sections are due. Other agents may
		// still be streaming; request.complete settles those.
		for _, section := range r.cfg.Assembler.SectionsOf(env.RequestID, env.AgentID()) {
			// Still buffered means a gap or a missing final fragment.
			if _, err := r.cfg.Assembler.Finalize(env.RequestID, section); err != nil {
				r.emitError(ErrorEvent{Envelope: env, Err: err})
			}
		}
	}
	r.cfg.Broadcaster.Publish(env)
	return nil
}

func (r *Router) handleError(env *protocol.Envelope) error {
	p, err := protocol.DecodePayload[protocol.ErrorPayload](env)
	if err != nil {
		return err
	}
	remote := p.AsRemote(env.RequestID)

	correlated := env.CorrelationID != "" && r.cfg.Registry.Reject(env.CorrelationID, remote)
	r.emitError(ErrorEvent{Envelope: env, Err: remote, Correlated: correlated})
	return nil
}

func (r *Router) deliverArtifact(art assembly.Artifact) {
	r.logger.Debug("artifact assembled",
		"request_id", art.RequestID,
		"section", art.Section,
		"chunks", art.Chunks,
	)
	if r.cfg.OnArtifact != nil {
		r.cfg.OnArtifact(art)
	}
}
