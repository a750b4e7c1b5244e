// Package store persists finalized artifacts.
//
// Storage is a consumer of completed output only: the gateway hands over
// content.complete documents and the client may archive reassembled
// sections. Partial streams never reach a sink.
//
// SQLiteStore (modernc.org/sqlite, WAL, schema created on open) and
// MockStore both implement ArtifactStore. Markdown artifacts are rendered to
// HTML with goldmark on save.
package store
