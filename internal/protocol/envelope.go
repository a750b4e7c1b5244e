// ABOUTME: Event envelope, the single unit of wire exchange between client and gateway
// ABOUTME: Provides constructors for fresh envelopes and correlated replies

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the version of the event-type namespace spoken by this build.
const ProtocolVersion = "1.0"

// TimestampFormat is the ISO-8601 layout used for envelope timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is one self-describing protocol message.
type Envelope struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	Timestamp     string          `json:"timestamp"`
	SessionID     string          `json:"sessionId"`
	RequestID     string          `json:"requestId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Meta          *Meta           `json:"meta,omitempty"`
}

// Meta carries optional routing hints attached by the sender.
type Meta struct {
	AgentID    string `json:"agentId,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// NewID returns a fresh envelope identifier.
func NewID() string {
	return uuid.New().String()
}

// FormatTimestamp renders t in the wire timestamp format (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// New builds an envelope of the given type with a fresh id and the current time.
// A nil payload produces an envelope without a payload field.
func New(eventType, sessionID string, payload any) (*Envelope, error) {
	return NewAt(time.Now(), eventType, sessionID, payload)
}

// NewAt is New with an explicit timestamp, used by callers holding an injected clock.
func NewAt(now time.Time, eventType, sessionID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      eventType,
		ID:        NewID(),
		Timestamp: FormatTimestamp(now),
		SessionID: sessionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Reply builds an envelope answering to. The reply carries to.ID as its
// correlation id and inherits to.RequestID.
func Reply(now time.Time, to *Envelope, eventType, sessionID string, payload any) (*Envelope, error) {
	env, err := NewAt(now, eventType, sessionID, payload)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = to.ID
	env.RequestID = to.RequestID
	return env, nil
}

// Time parses the envelope timestamp. It accepts any RFC 3339 variant.
func (e *Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// AgentID returns meta.agentId or the empty string.
func (e *Envelope) AgentID() string {
	if e.Meta == nil {
		return ""
	}
	return e.Meta.AgentID
}

// Namespace returns the portion of the type before the first dot
// ("validation" for "validation.result", "ping" for "ping").
func (e *Envelope) Namespace() string {
	return Namespace(e.Type)
}
