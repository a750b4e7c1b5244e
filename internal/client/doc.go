// Package client is the connection context of a relay client.
//
// A Manager owns the single transport to the gateway and everything that
// hangs off it: the correlation registry, the heartbeat monitor, the agent
// status tracker, the content assembler and the event router. It is built
// once and handed to whatever needs to send commands or observe events;
// nothing else holds the transport.
//
// # State machine
//
//	Disconnected --Connect--> Connecting --transport open--> Connected
//	Connected --close, read error, heartbeat timeout--> Reconnecting
//	Reconnecting --backoff elapses--> Connecting
//	any --Disconnect--> Disconnected
//
// Reconnect delays grow as min(MaxDelay, BaseDelay*2^attempt) and reset after
// a handshake is acknowledged. After MaxAttempts the manager gives up and
// publishes a terminal ErrReconnectExhausted on Errors.
//
// # Concurrency
//
// All state changes run on one loop goroutine. Transport frames, timer
// callbacks and API calls are posted to it in arrival order, so handlers never
// race each other. Callers block only on the futures returned by Submit.
//
// # Usage
//
//	m := client.New(client.Config{URL: "ws://localhost:8080/ws", Token: tok})
//	defer m.Close()
//	_ = m.Connect(ctx)
//	if _, err := m.AwaitSession(ctx); err != nil { ... }
//	f, _ := m.SubmitRequest(ctx, protocol.SubmitPayload{Topic: "cardiology"})
//	env, err := f.Wait(ctx)
package client
