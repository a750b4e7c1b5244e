// Package gateway serves the relay: the client websocket endpoint, agent
// dispatch and a small read-only HTTP API.
//
// # Overview
//
// A Gateway accepts transports, runs the handshake, and turns client
// commands into agent runs whose events stream back on the same session.
//
//	gw, err := gateway.New(cfg, gateway.Options{Logger: logger})
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// # Sessions
//
// Every transport gets its own session. The first frame must be
// connection.init; anything else, a missing clientId or a rejected token
// is answered with an error envelope and the transport is closed. On
// success the gateway replies connection.ack with a fresh session id,
// the heartbeat interval and the agents available.
//
// After the handshake each inbound frame is:
//
//   - dropped if its envelope id was already seen on the session
//   - answered with pong if it is a ping
//   - rate limited if it is a command (request.submit, request.cancel,
//     chat.message); a denied command gets a RATE_LIMIT error
//   - otherwise handled and answered exactly once
//
// A session that sends nothing for the heartbeat timeout is closed by
// the reaper.
//
// # Runs
//
// Runs belong to the client id, not the session. When a transport drops,
// its runs keep executing for the reconnect grace period with their events
// discarded. A new session for the same client within that window picks
// them up; otherwise they are cancelled. Each run's envelopes carry
// meta.sequence, increasing per request, and finish with request.complete.
//
// content.complete payloads are saved to the artifact store on the way to
// the client when one is configured.
//
// # HTTP API
//
//	GET /health              liveness
//	GET /health/ready        503 until an agent is registered
//	GET /ws                  websocket endpoint
//	GET /api/agents          registered agents (?capability=)
//	GET /api/sessions        live sessions
//	GET /api/artifacts       stored artifacts (?request_id=)
//	GET /api/artifacts/{id}  one artifact
//
// # Listeners
//
// The HTTP server listens on server.http_addr, or on port 80 of a tsnet
// node when tailscale.enabled is set.
package gateway
