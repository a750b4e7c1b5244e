// ABOUTME: Reassembles streamed content fragments per (request, section) into complete artifacts
// ABOUTME: Tolerates out-of-order arrival but refuses to finalize a stream with gaps

package assembly

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/2389/coven-relay/internal/protocol"
)

var (
	// ErrIncompleteStream is matched by every *IncompleteError.
	ErrIncompleteStream = errors.New("incomplete stream")

	// ErrUnknownStream indicates Finalize for a key with no buffered fragments.
	ErrUnknownStream = errors.New("no fragments buffered for stream")

	// ErrInvalidChunk indicates a fragment that can never be assembled.
	ErrInvalidChunk = errors.New("invalid content chunk")
)

// IncompleteError reports which indices are missing from a stream.
type IncompleteError struct {
	RequestID     string
	Section       string
	Missing       []int
	FinalReceived bool
}

func (e *IncompleteError) Error() string {
	if !e.FinalReceived {
		return fmt.Sprintf("incomplete stream %s/%s: final fragment not received", e.RequestID, e.Section)
	}
	return fmt.Sprintf("incomplete stream %s/%s: missing fragments %v", e.RequestID, e.Section, e.Missing)
}

// Is lets errors.Is(err, ErrIncompleteStream) match.
func (e *IncompleteError) Is(target error) bool { return target == ErrIncompleteStream }

// Artifact is the reconstructed text of one section.
type Artifact struct {
	RequestID string
	Section   string
	AgentID   string
	Content   string
	Chunks    int
}

type key struct {
	requestID string
	section   string
}

type buffer struct {
	fragments     map[int]string
	finalIndex    int
	finalReceived bool
	agentID       string
}

// missing lists the absent indices in 0..finalIndex.
func (b *buffer) missing() []int {
	var gaps []int
	for i := 0; i <= b.finalIndex; i++ {
		if _, ok := b.fragments[i]; !ok {
			gaps = append(gaps, i)
		}
	}
	return gaps
}

func (b *buffer) ready() bool {
	return b.finalReceived && len(b.fragments) == b.finalIndex+1
}

// Assembler buffers fragments until their stream can be finalized.
// Finalized streams are remembered until Discard so late retransmits are
// dropped instead of opening a new buffer.
type Assembler struct {
	mu        sync.Mutex
	buffers   map[key]*buffer
	finalized map[key]struct{}
	logger    *slog.Logger
}

// New creates an empty Assembler. Pass nil logger for default.
func New(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		buffers:   make(map[key]*buffer),
		finalized: make(map[key]struct{}),
		logger:    logger.With("component", "assembly"),
	}
}

// Append buffers one fragment. ready reports that the final fragment has
// been seen and indices 0..final are all present.
func (a *Assembler) Append(requestID string, c protocol.ChunkPayload) (ready bool, err error) {
	if requestID == "" || c.Section == "" {
		return false, fmt.Errorf("%w: request id and section are required", ErrInvalidChunk)
	}
	if c.ChunkIndex < 0 {
		return false, fmt.Errorf("%w: negative index %d", ErrInvalidChunk, c.ChunkIndex)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{requestID, c.Section}
	if _, done := a.finalized[k]; done {
		a.logger.Debug("late fragment for finalized section dropped",
			"request_id", requestID, "section", c.Section, "chunk_index", c.ChunkIndex)
		return false, nil
	}
	b, ok := a.buffers[k]
	if !ok {
		b = &buffer{fragments: make(map[int]string), finalIndex: -1}
		a.buffers[k] = b
	}

	if b.finalReceived && c.ChunkIndex > b.finalIndex {
		return false, fmt.Errorf("%w: index %d after final index %d in %s/%s",
			ErrInvalidChunk, c.ChunkIndex, b.finalIndex, requestID, c.Section)
	}
	if c.IsFinal {
		if b.finalReceived && b.finalIndex != c.ChunkIndex {
			return false, fmt.Errorf("%w: second final fragment %d (first was %d) in %s/%s",
				ErrInvalidChunk, c.ChunkIndex, b.finalIndex, requestID, c.Section)
		}
		for idx := range b.fragments {
			if idx > c.ChunkIndex {
				return false, fmt.Errorf("%w: final index %d below buffered index %d in %s/%s",
					ErrInvalidChunk, c.ChunkIndex, idx, requestID, c.Section)
			}
		}
	}
	if existing, dup := b.fragments[c.ChunkIndex]; dup {
		if existing != c.Content {
			return false, fmt.Errorf("%w: conflicting content for index %d in %s/%s",
				ErrInvalidChunk, c.ChunkIndex, requestID, c.Section)
		}
		a.logger.Debug("duplicate fragment ignored", "request_id", requestID, "section", c.Section, "chunk_index", c.ChunkIndex)
	}

	b.fragments[c.ChunkIndex] = c.Content
	if c.AgentID != "" {
		b.agentID = c.AgentID
	}
	if c.IsFinal {
		b.finalReceived = true
		b.finalIndex = c.ChunkIndex
	}

	if b.finalReceived && !b.ready() {
		a.logger.Debug("final fragment received with gaps",
			"request_id", requestID, "section", c.Section, "missing", b.missing())
	}
	return b.ready(), nil
}

// Finalize concatenates the fragments of a complete stream in index order,
// clears its buffer and returns the artifact. A stream with gaps, or without
// its final fragment, yields an *IncompleteError and stays buffered.
func (a *Assembler) Finalize(requestID, section string) (Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalizeLocked(key{requestID, section})
}

func (a *Assembler) finalizeLocked(k key) (Artifact, error) {
	b, ok := a.buffers[k]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s/%s", ErrUnknownStream, k.requestID, k.section)
	}
	if !b.ready() {
		return Artifact{}, &IncompleteError{
			RequestID:     k.requestID,
			Section:       k.section,
			Missing:       b.missing(),
			FinalReceived: b.finalReceived,
		}
	}

	var sb strings.Builder
	for i := 0; i <= b.finalIndex; i++ {
		sb.WriteString(b.fragments[i])
	}
	delete(a.buffers, k)
	a.finalized[k] = struct{}{}

	return Artifact{
		RequestID: k.requestID,
		Section:   k.section,
		AgentID:   b.agentID,
		Content:   sb.String(),
		Chunks:    b.finalIndex + 1,
	}, nil
}

// FinalizeReady finalizes every complete section of a request, in section
// order. Incomplete sections are left buffered.
func (a *Assembler) FinalizeReady(requestID string) []Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Artifact
	for _, section := range a.sectionsLocked(requestID) {
		k := key{requestID, section}
		if !a.buffers[k].ready() {
			continue
		}
		art, err := a.finalizeLocked(k)
		if err == nil {
			out = append(out, art)
		}
	}
	return out
}

// Sections returns the buffered sections of a request in sorted order.
func (a *Assembler) Sections(requestID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sectionsLocked(requestID)
}

// SectionsOf returns the buffered sections of a request last written by
// agentID, in sorted order.
func (a *Assembler) SectionsOf(requestID, agentID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sections []string
	for k, b := range a.buffers {
		if k.requestID == requestID && b.agentID == agentID {
			sections = append(sections, k.section)
		}
	}
	sort.Strings(sections)
	return sections
}

func (a *Assembler) sectionsLocked(requestID string) []string {
	var sections []string
	for k := range a.buffers {
		if k.requestID == requestID {
			sections = append(sections, k.section)
		}
	}
	sort.Strings(sections)
	return sections
}

// Discard drops every buffer of a request, forgets its finalized sections
// and returns how many buffers were dropped.
func (a *Assembler) Discard(requestID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for k := range a.buffers {
		if k.requestID == requestID {
			delete(a.buffers, k)
			n++
		}
	}
	for k := range a.finalized {
		if k.requestID == requestID {
			delete(a.finalized, k)
		}
	}
	if n > 0 {
		a.logger.Debug("discarded buffers", "request_id", requestID, "count", n)
	}
	return n
}

// Pending returns the number of open buffers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
