// Package transport abstracts the persistent link between client and gateway.
//
// Conn moves whole text frames; framing, ordering and integrity are the
// link's job. The websocket implementation is used in production and the
// in-memory Pipe in tests, so the connection manager never sees a socket.
package transport
