package docstore

import (
	"strings"

	"github.com/plaenen/commandhistory/pkg/docquery"
)

// Renderer renders docquery filters as SQLite expressions over the doc
// column.
type Renderer struct{}

var _ docquery.Renderer = Renderer{}

func (Renderer) Field(f docquery.Field) string {
	return "json_extract(doc, '$." + string(f) + "')"
}

func (Renderer) Placeholder(name string) string { return "@" + name }

func (Renderer) Literal(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
