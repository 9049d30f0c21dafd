package export

import (
	"encoding/json"
	"io"

	"github.com/ent0n29/gallery/internal/interaction"
)

// JSONExporter writes a single indented document.
type JSONExporter struct{}

type jsonDocument struct {
	Count        int                       `json:"count"`
	Interactions []interaction.Interaction `json:"interactions"`
}

func (e *JSONExporter) Export(items []interaction.Interaction, w io.Writer) error {
	if items == nil {
		items = []interaction.Interaction{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonDocument{Count: len(items), Interactions: items})
}

func (e *JSONExporter) Extension() string { return "json" }

func (e *JSONExporter) ContentType() string { return "application/json" }
