package export

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/gallery/internal/interaction"
)

// YAMLExporter writes history as a YAML sequence.
type YAMLExporter struct{}

func (e *YAMLExporter) Export(items []interaction.Interaction, w io.Writer) error {
	if items == nil {
		items = []interaction.Interaction{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()

	return enc.Encode(items)
}

func (e *YAMLExporter) Extension() string { return "yaml" }

func (e *YAMLExporter) ContentType() string { return "application/yaml" }
