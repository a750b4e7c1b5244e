// Package correlation matches responses to the commands that caused them.
//
// A client sends a command envelope and registers its id:
//
//	future, err := reg.Register(env.ID, env.Type, now.Add(timeouts.For(env.Type)))
//
// When an envelope with correlationId == env.ID arrives, the router calls
// Resolve (or Reject for request.failed / error). Unmatched correlation ids
// are dropped silently because the original caller may have given up.
//
// Deadlines are enforced by Expire, a sweep the owner runs at NextDeadline.
// RejectAll fails everything at once when the connection is torn down.
package correlation
