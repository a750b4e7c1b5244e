// ABOUTME: Artifact model and the sink interface that consumes finalized artifacts
// ABOUTME: Storage is opaque to the relay; only complete artifacts ever reach it

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested artifact does not exist.
var ErrNotFound = errors.New("not found")

// Artifact is a finalized piece of agent output.
type Artifact struct {
	ID        string
	RequestID string
	AgentID   string
	Section   string // empty for whole-document artifacts
	Title     string
	Format    string // "markdown", "text", ...
	Content   string
	HTML      string // rendered when Format is markdown
	Metadata  map[string]any
	CreatedAt time.Time
}

// ArtifactSink consumes finalized artifacts. Saving the same ID twice
// replaces the earlier copy.
type ArtifactSink interface {
	SaveArtifact(ctx context.Context, a Artifact) error
}

// ArtifactStore is a sink that can also be read back.
type ArtifactStore interface {
	ArtifactSink
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	ListArtifacts(ctx context.Context, requestID string) ([]*Artifact, error)
	Close() error
}
