// Package router dispatches decoded envelopes to the client-side consumers.
//
// Routing by type:
//
//	connection.ack                       session handler, then handshake future
//	pong                                 heartbeat monitor
//	request.accepted, chat.accepted      correlation registry (resolve)
//	request.failed                       correlation registry (reject), request GC
//	agent.status|progress|log            status tracker
//	content.chunk                        assembler; ready sections become artifacts
//	content.complete                     assembler finalize, then subscribers
//	request.complete                     request GC, then subscribers
//	validation.*                         subscribers
//	error                                error channel; rejects the pending command if correlated
//
// Unknown types are dropped at debug level. Dispatch recovers handler panics.
package router
