package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/ent0n29/gallery/internal/interaction"
	"github.com/ent0n29/gallery/internal/policy"
)

// Exporter writes interaction history in one format.
type Exporter interface {
	Export(items []interaction.Interaction, w io.Writer) error
	Extension() string
	ContentType() string
}

// NewExporter creates a new exporter based on format
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "jsonl":
		return &JSONLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: jsonl, md, yaml, json)", format)
	}
}

// Write exports items with e, masking PII first when redact is set.
func Write(e Exporter, items []interaction.Interaction, w io.Writer, redact bool) error {
	if redact {
		masked := make([]interaction.Interaction, len(items))
		for i, it := range items {
			masked[i] = policy.RedactInteraction(it)
		}
		items = masked
	}
	return e.Export(items, w)
}
