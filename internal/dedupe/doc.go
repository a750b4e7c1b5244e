// Package dedupe drops envelopes whose id was already handled.
//
// The gateway keeps one Cache per session: a client that retransmits after a
// write timeout may deliver the same command twice, and the second copy must
// not dispatch a second run.
package dedupe
