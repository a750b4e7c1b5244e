// ABOUTME: In-memory ArtifactStore for tests and for running without a database
// ABOUTME: Applies the same rendering and upsert rules as the SQLite store

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory ArtifactStore.
type MockStore struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
	saved     chan Artifact
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		artifacts: make(map[string]*Artifact),
		saved:     make(chan Artifact, 64),
	}
}

// Saved receives a copy of each artifact as it is saved. Unread copies
// beyond the buffer are dropped.
func (m *MockStore) Saved() <-chan Artifact { return m.saved }

// SaveArtifact stores a copy of a.
func (m *MockStore) SaveArtifact(ctx context.Context, a Artifact) error {
	if a.RequestID == "" {
		return errors.New("artifact request id is required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := Render(&a); err != nil {
		return err
	}

	m.mu.Lock()
	stored := a
	m.artifacts[a.ID] = &stored
	m.mu.Unlock()

	select {
	case m.saved <- a:
	default:
	}
	return nil
}

// GetArtifact returns a copy of the artifact or ErrNotFound.
func (m *MockStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

// ListArtifacts returns copies of the request's artifacts, oldest first.
func (m *MockStore) ListArtifacts(ctx context.Context, requestID string) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Artifact
	for _, a := range m.artifacts {
		if requestID == "" || a.RequestID == requestID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }
