// ABOUTME: Built-in demo workers so a gateway is usable without real business logic
// ABOUTME: Drafter streams sectioned markdown in chunks; Reviewer emits a validation verdict

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/protocol"
)

// DefaultSections are drafted when the submission names none.
var DefaultSections = []string{"outline", "body", "summary"}

// Drafter writes one markdown section per requested section and streams it
// in fixed-size chunks.
type Drafter struct {
	// ChunkSize is the number of bytes per content.chunk. Defaults to 48.
	ChunkSize int
	// Pace is the delay between chunks.
	Pace time.Duration
}

func (d *Drafter) Info() Info {
	return Info{ID: "drafter", Name: "Drafter", Capabilities: []string{"draft", "stream"}}
}

func (d *Drafter) Run(ctx context.Context, task Task, emit Emitter) error {
	size := d.ChunkSize
	if size <= 0 {
		size = 48
	}
	sections := sectionsFrom(task.Parameters)

	var doc strings.Builder
	fmt.Fprintf(&doc, "# %s\n\n", task.Topic)

	for i, section := range sections {
		emit.Status(protocol.StatusWorking, "drafting "+section)
		emit.Progress(int64(i), int64(len(sections)), "sections")

		text := fmt.Sprintf("## %s\n\nNotes on %s for %s.\n\n", titleCase(section), section, task.Topic)
		chunks := split(text, size)
		for idx, chunk := range chunks {
			if err := pause(ctx, d.Pace); err != nil {
				return err
			}
			emit.Chunk(section, idx, chunk, idx == len(chunks)-1)
		}
		doc.WriteString(text)
		emit.Log("info", fmt.Sprintf("section %s drafted in %d chunks", section, len(chunks)))

		select {
		case msg := <-task.Messages:
			emit.Log("info", "noted feedback: "+msg)
		default:
		}
	}
	emit.Progress(int64(len(sections)), int64(len(sections)), "sections")

	emit.Complete(protocol.ContentCompletePayload{
		ContentID: uuid.New().String(),
		Title:     task.Topic,
		Format:    "markdown",
		Content:   doc.String(),
		Metadata:  map[string]any{"sections": len(sections)},
	})
	return nil
}

// Reviewer checks the submission and reports a validation.result.
type Reviewer struct {
	// MaxTopicLength flags topics longer than this. Defaults to 200.
	MaxTopicLength int
	Pace           time.Duration
}

func (r *Reviewer) Info() Info {
	return Info{ID: "reviewer", Name: "Reviewer", Capabilities: []string{"validate"}}
}

func (r *Reviewer) Run(ctx context.Context, task Task, emit Emitter) error {
	limit := r.MaxTopicLength
	if limit <= 0 {
		limit = 200
	}
	emit.Status(protocol.StatusWorking, "reviewing submission")
	if err := pause(ctx, r.Pace); err != nil {
		return err
	}

	var issues []string
	if strings.TrimSpace(task.Topic) == "" {
		issues = append(issues, "topic is empty")
	}
	if len(task.Topic) > limit {
		issues = append(issues, fmt.Sprintf("topic exceeds %d characters", limit))
	}
	emit.Validation(protocol.ValidationPayload{
		Passed:  len(issues) == 0,
		Issues:  issues,
		Details: map[string]any{"sections": len(sectionsFrom(task.Parameters))},
	})
	emit.Log("info", fmt.Sprintf("review finished with %d issues", len(issues)))
	return nil
}

func sectionsFrom(params map[string]any) []string {
	raw, ok := params["sections"].([]any)
	if !ok || len(raw) == 0 {
		return DefaultSections
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return DefaultSections
	}
	return out
}

// split cuts s into pieces of at most size bytes without splitting a rune.
func split(s string, size int) []string {
	var out []string
	for len(s) > size {
		cut := size
		for cut > 1 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
