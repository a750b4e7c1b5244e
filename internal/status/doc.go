// Package status caches what each agent is doing for each request.
//
// The server is the source of truth, so the Tracker enforces no transition
// table. It only remembers the previous status (for transition animations)
// and refuses to move an agent out of complete, error or cancelled. Such late
// events are counted as anomalies and otherwise ignored.
package status
