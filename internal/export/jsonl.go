package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ent0n29/gallery/internal/interaction"
)

// JSONLExporter writes one interaction per line.
type JSONLExporter struct{}

func (e *JSONLExporter) Export(items []interaction.Interaction, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("failed to encode interaction %d: %w", it.ID, err)
		}
	}
	return nil
}

func (e *JSONLExporter) Extension() string { return "jsonl" }

func (e *JSONLExporter) ContentType() string { return "application/x-ndjson" }
