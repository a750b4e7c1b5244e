// Package protocol defines the wire format spoken between relay clients and
// the gateway.
//
// # Envelope
//
// Every frame is one JSON object:
//
//	{
//	  "type": "request.submit",
//	  "id": "6f1c...",
//	  "timestamp": "2026-01-02T15:04:05.000Z",
//	  "sessionId": "",
//	  "requestId": "r1",
//	  "correlationId": "e1",
//	  "payload": {...},
//	  "meta": {"agentId": "drafter", "sequence": 4}
//	}
//
// type, id, timestamp and sessionId are required. sessionId is empty until the
// handshake ack. correlationId points at the id of the envelope being answered.
//
// # Handshake
//
//  1. client sends connection.init{clientId, token, clientVersion, capabilities}
//  2. gateway answers connection.ack{sessionId, serverVersion, heartbeatIntervalMs, agentsAvailable}
//
// # Codec
//
// Decode rejects malformed frames with ErrMalformed. Callers drop the frame and
// keep the connection; a malformed frame is never fatal on its own.
//
// Unknown but well-formed types decode fine; Known reports whether a type is
// part of this protocol version so routers can drop the rest.
package protocol
