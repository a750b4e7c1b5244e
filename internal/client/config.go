// ABOUTME: Connection manager configuration, defaults and the errors surfaced to callers
// ABOUTME: Every timer duration is injectable so tests can drive the state machine with a fake clock

package client

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/correlation"
	"github.com/2389/coven-relay/internal/heartbeat"
	"github.com/2389/coven-relay/internal/transport"
)

// ClientVersion is reported in connection.init.
const ClientVersion = "0.1.0"

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultMaxAttempts          = 10
	DefaultReconnectGracePeriod = 30 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultMaxViolations        = 5
	DefaultViolationWindow      = 10 * time.Second
)

var (
	// ErrConnectionClosed rejects pending requests on an explicit Disconnect.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectionLost rejects pending requests once the reconnect grace period lapses.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnectExhausted is the terminal error after MaxAttempts failed reconnects.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotConnected is returned by commands issued without a live session.
	ErrNotConnected = errors.New("not connected")

	// ErrHeartbeatTimeout is the cause recorded when pongs stop arriving.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrProtocolMismatch is the cause recorded when malformed frames keep arriving.
	ErrProtocolMismatch = errors.New("too many protocol violations")

	// ErrManagerClosed is returned by every method after Close.
	ErrManagerClosed = errors.New("manager closed")
)

// Config configures a Manager.
type Config struct {
	// URL of the gateway websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Header is sent with the upgrade request.
	Header http.Header

	// ClientID identifies this client across reconnects. Generated when empty.
	ClientID      string
	Token         string
	ClientVersion string
	Capabilities  []string

	HeartbeatInterval time.Duration
	HeartbeatMultiple int

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// ReconnectGracePeriod is how long pending requests survive a lost link.
	// Negative rejects them as soon as the link drops.
	ReconnectGracePeriod time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Timeouts maps command types to their acknowledgment deadline.
	Timeouts correlation.Timeouts

	// More than MaxViolations malformed frames within ViolationWindow recycles the link.
	MaxViolations   int
	ViolationWindow time.Duration

	// Strict makes duplicate pending request ids panic.
	Strict bool

	Dialer transport.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = uuid.New().String()
	}
	if c.ClientVersion == "" {
		c.ClientVersion = ClientVersion
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMultiple <= 0 {
		c.HeartbeatMultiple = heartbeat.DefaultMultiple
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ReconnectGracePeriod == 0 {
		c.ReconnectGracePeriod = DefaultReconnectGracePeriod
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Timeouts == nil {
		c.Timeouts = correlation.DefaultTimeouts()
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = DefaultMaxViolations
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = DefaultViolationWindow
	}
	if c.Dialer == nil {
		c.Dialer = transport.WebSocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
