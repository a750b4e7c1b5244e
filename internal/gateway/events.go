// ABOUTME: Streams a run's agent events to the owning session as protocol envelopes
// ABOUTME: Finished artifacts are persisted on the way through; request.complete closes the stream

package gateway

import (
	"context"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

const storeTimeout = 5 * time.Second

// pump drains rr's events until the run finishes, then sends request.complete.
// It always drains, even when no session is attached.
func (g *Gateway) pump(rr *requestRun) {
	for ev := range rr.run.Events() {
		if ev.Type == protocol.TypeContentComplete {
			if p, ok := ev.Payload.(protocol.ContentCompletePayload); ok {
				g.saveArtifact(rr.requestID, ev.AgentID, p)
			}
		}
		env, err := g.envelope(rr, ev.Type, ev.AgentID, ev.Payload)
		if err != nil {
			g.logger.Error("encoding agent event", "request_id", rr.requestID, "envelope_type", ev.Type, "error", err)
			continue
		}
		rr.deliver(env)
	}

	g.runs.remove(rr)
	status := rr.run.Status()
	env, err := g.envelope(rr, protocol.TypeRequestComplete, "", protocol.CompletePayload{
		RequestID: rr.requestID,
		Status:    status,
	})
	if err != nil {
		g.logger.Error("encoding request.complete", "request_id", rr.requestID, "error", err)
		return
	}
	if !rr.deliver(env) {
		g.logger.Info("request finished without a session", "request_id", rr.requestID, "status", status)
	}
}

// envelope wraps one run event. Sequence numbers increase per request.
func (g *Gateway) envelope(rr *requestRun, eventType, agentID string, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewAt(g.clk.Now(), eventType, "", payload)
	if err != nil {
		return nil, err
	}
	env.RequestID = rr.requestID
	env.Meta = &protocol.Meta{AgentID: agentID, Sequence: rr.seq.Add(1)}
	return env, nil
}

// saveArtifact persists a finished artifact. Failures are logged only; the
// client still receives content.complete.
func (g *Gateway) saveArtifact(requestID, agentID string, p protocol.ContentCompletePayload) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := g.store.SaveArtifact(ctx, store.Artifact{
		ID:        p.ContentID,
		RequestID: requestID,
		AgentID:   agentID,
		Title:     p.Title,
		Format:    p.Format,
		Content:   p.Content,
		Metadata:  p.Metadata,
		CreatedAt: g.clk.Now(),
	})
	if err != nil {
		g.logger.Error("saving artifact", "request_id", requestID, "agent_id", agentID, "content_id", p.ContentID, "error", err)
		return
	}
	g.logger.Debug("artifact saved", "request_id", requestID, "content_id", p.ContentID)
}
