// ABOUTME: Wire codec for envelopes: validates required fields before decoding
// ABOUTME: Malformed frames yield ErrMalformed so callers can drop them without tearing down the link

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// MaxFrameSize bounds a single encoded envelope.
const MaxFrameSize = 1 << 20

// ErrMalformed indicates a frame that is not a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// ErrPayloadMissing indicates DecodePayload was called on an envelope without payload.
var ErrPayloadMissing = errors.New("envelope has no payload")

// Decode parses one frame. Required fields are checked on the raw bytes so a
// frame with a wrong-typed field is rejected with a precise reason.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformed, len(data))
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrMalformed)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: frame is not an object", ErrMalformed)
	}

	for _, field := range []string{"type", "id", "timestamp"} {
		r := root.Get(field)
		if !r.Exists() {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformed, field)
		}
		if r.Type != gjson.String || r.Str == "" {
			return nil, fmt.Errorf("%w: %q must be a non-empty string", ErrMalformed, field)
		}
	}
	// sessionId is required but empty before the handshake ack.
	if r := root.Get("sessionId"); !r.Exists() || r.Type != gjson.String {
		return nil, fmt.Errorf("%w: %q must be a string", ErrMalformed, "sessionId")
	}
	for _, field := range []string{"requestId", "correlationId"} {
		if r := root.Get(field); r.Exists() && r.Type != gjson.String {
			return nil, fmt.Errorf("%w: %q must be a string", ErrMalformed, field)
		}
	}
	if r := root.Get("payload"); r.Exists() && !r.IsObject() && r.Type != gjson.Null {
		return nil, fmt.Errorf("%w: payload must be an object", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := env.Time(); err != nil {
		return nil, fmt.Errorf("%w: timestamp %q is not ISO-8601", ErrMalformed, env.Timestamp)
	}
	return &env, nil
}

// Encode validates and marshals an envelope.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if env.Type == "" || env.ID == "" || env.Timestamp == "" {
		return nil, fmt.Errorf("%w: type, id and timestamp are required", ErrMalformed)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: encoded frame of %d bytes exceeds limit", ErrMalformed, len(data))
	}
	return data, nil
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](env *Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return out, fmt.Errorf("%s: %w", env.Type, ErrPayloadMissing)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return out, nil
}
