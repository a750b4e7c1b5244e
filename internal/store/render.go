// ABOUTME: Markdown to HTML rendition of artifacts using goldmark
// ABOUTME: Applied on save so readers get both forms without re-rendering

package store

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Render fills a.HTML for markdown artifacts. Other formats are left alone.
func Render(a *Artifact) error {
	if !strings.EqualFold(a.Format, "markdown") && !strings.EqualFold(a.Format, "md") {
		return nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(a.Content), &buf); err != nil {
		return fmt.Errorf("rendering markdown: %w", err)
	}
	a.HTML = buf.String()
	return nil
}
