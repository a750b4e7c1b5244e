// ABOUTME: Transport abstraction for the relay: a message-oriented, ordered, bidirectional link
// ABOUTME: The connection manager owns exactly one Conn at a time; the gateway holds one per session

package transport

import (
	"context"
	"errors"
	"net/http"
)

// ErrClosed is returned by Read and Write once the link is gone.
var ErrClosed = errors.New("transport closed")

// Conn is one open link. Read and Write may be called concurrently with each
// other but neither may be called concurrently with itself.
type Conn interface {
	// Read blocks until a whole frame arrives.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one frame.
	Write(ctx context.Context, data []byte) error

	// Close tears the link down. The reason is advisory.
	Close(reason string) error
}

// Dialer opens client-side links.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}
