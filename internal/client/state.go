// ABOUTME: Connection states, state change notifications and session snapshots
// ABOUTME: Snapshots are copies so UIs can read them from any goroutine

package client

import (
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

// State is a connection manager state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is published on every transition.
type StateChange struct {
	From  State
	To    State
	At    time.Time
	Cause error
}

// Degraded reports whether the change should surface a degraded-connectivity indicator.
func (c StateChange) Degraded() bool {
	return c.To == Reconnecting
}

// Session describes the live, acknowledged connection.
type Session struct {
	ID                string
	ClientID          string
	ServerVersion     string
	HeartbeatInterval time.Duration
	ConnectedAt       time.Time
	AgentsAvailable   []protocol.AgentInfo
}

// Stats is a point-in-time view of reconnect and protocol bookkeeping.
type Stats struct {
	State      State
	Attempt    int
	LastDelay  time.Duration
	Generation uint64
	Pending    int
	Violations int
}
