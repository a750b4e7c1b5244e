// ABOUTME: WebSocket implementation of Conn on github.com/coder/websocket
// ABOUTME: Text frames only, bounded read size, normal-closure on Close

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds the size of a single inbound frame.
const DefaultReadLimit = 1 << 20

// WebSocketDialer dials ws:// and wss:// URLs.
type WebSocketDialer struct {
	// ReadLimit overrides DefaultReadLimit when positive.
	ReadLimit int64
	// HTTPClient is used for the upgrade request when set.
	HTTPClient *http.Client
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return wrap(ws, d.ReadLimit), nil
}

// AcceptOptions configures the server side of the upgrade.
type AcceptOptions struct {
	ReadLimit int64
	// OriginPatterns lists hosts allowed to connect cross-origin.
	OriginPatterns []string
	// InsecureSkipVerify disables origin checks entirely.
	InsecureSkipVerify bool
}

// Accept upgrades an HTTP request to a websocket Conn.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     opts.OriginPatterns,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("accepting websocket: %w", err)
	}
	return wrap(ws, opts.ReadLimit), nil
}

type wsConn struct {
	ws *websocket.Conn
}

func wrap(ws *websocket.Conn, limit int64) *wsConn {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected %v frame", typ)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		if websocket.CloseStatus(err) != -1 {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return err
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	// Close reasons are limited to 123 bytes by the protocol.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
