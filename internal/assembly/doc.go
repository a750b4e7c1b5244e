// Package assembly turns content.chunk fragments back into whole sections.
//
// Fragments are keyed by (requestId, section) and indexed by chunkIndex.
// They may arrive in any order; once the fragment flagged isFinal is present
// together with every index below it, Append reports the stream ready and
// Finalize returns the concatenated Artifact.
//
// Finalizing a stream with a gap returns an *IncompleteError instead of a
// partial artifact: partial compliance content must never look finished.
package assembly
