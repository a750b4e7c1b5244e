// Package agent manages the workers that do the actual work behind the relay.
//
// # Overview
//
// Agent business logic is opaque to the relay. A Worker receives a Task and
// reports through an Emitter; the Manager turns those reports into typed
// Events that the gateway encodes as agent.status, agent.progress,
// agent.log, content.chunk, content.complete and validation.result
// envelopes.
//
// # Manager
//
//	mgr := agent.NewManager(5*time.Minute, logger)
//	mgr.Register(&agent.Drafter{})
//	run, err := mgr.Dispatch(ctx, agent.Submission{RequestID: id, Topic: "anatomy"})
//	for ev := range run.Events() { ... }
//
// Key operations:
//
//   - Register(w) / Unregister(id): manage the worker set
//   - List() / Get(id): inspect registered workers
//   - Dispatch(ctx, sub): start a Run across the selected workers
//
// # Lifecycle
//
// Every worker in a run moves idle → working → complete | error | cancelled.
// The manager emits the terminal status itself once Run returns:
//
//   - nil error: complete
//   - run cancelled: cancelled
//   - per-agent timeout: an AGENT_TIMEOUT error event, then error
//   - any other error or panic: an AGENT_ERROR error event, then error
//
// Events emitted after a worker's terminal status are dropped.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Each Run's event channel must be
// drained until closed.
package agent
