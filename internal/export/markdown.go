package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ent0n29/gallery/internal/interaction"
)

// MarkdownExporter renders history for reading.
type MarkdownExporter struct{}

func (e *MarkdownExporter) Export(items []interaction.Interaction, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# Chat history\n\n**Interactions:** %d\n\n", len(items)); err != nil {
		return err
	}
	for i, it := range items {
		_, _ = fmt.Fprintf(w, "## #%d (%s)\n\n", it.ID, it.CreatedAt.UTC().Format(time.RFC3339))
		if it.RequestImageRef != "" {
			_, _ = fmt.Fprintf(w, "**Image:** `%s`\n\n", it.RequestImageRef)
		}
		_, _ = fmt.Fprintf(w, "**User:**\n\n%s\n\n", quote(it.RequestText))
		_, _ = fmt.Fprintf(w, "**Model** _%s_:\n\n%s\n\n", status(it), quote(it.ResponseText))
		if it.ErrorDetail != "" {
			_, _ = fmt.Fprintf(w, "> error: %s\n\n", it.ErrorDetail)
		}
		if i < len(items)-1 {
			_, _ = fmt.Fprintf(w, "---\n\n")
		}
	}
	return nil
}

func (e *MarkdownExporter) Extension() string { return "md" }

func (e *MarkdownExporter) ContentType() string { return "text/markdown; charset=utf-8" }

func status(it interaction.Interaction) string {
	if it.Pending {
		return "pending"
	}
	if it.Outcome == interaction.OutcomeNone {
		return string(interaction.OutcomeCompleted)
	}
	return string(it.Outcome)
}

// quote keeps model output from breaking the surrounding document: code
// fences are left alone, other lines become a blockquote.
func quote(text string) string {
	if strings.TrimSpace(text) == "" {
		return "_(empty)_"
	}
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if !inFence {
			lines[i] = "> " + line
		}
	}
	return strings.Join(lines, "\n")
}
