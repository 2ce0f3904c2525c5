package docquery

import (
	"fmt"
	"strings"
)

// Literal is a structural value inlined into query text. It can only be
// obtained from an AllowList.
type Literal struct {
	value string
}

// AllowList is the reviewed set of values that may be inlined.
type AllowList struct {
	values map[string]struct{}
}

// NewAllowList returns an allow-list of the given values.
func NewAllowList(values ...string) AllowList {
	a := AllowList{values: make(map[string]struct{}, len(values))}
	for _, v := range values {
		a.values[v] = struct{}{}
	}
	return a
}

// Literal returns value as a Literal if it is on the allow-list.
func (a AllowList) Literal(value string) (Literal, error) {
	if _, ok := a.values[value]; !ok {
		return Literal{}, fmt.Errorf("docquery: literal %q is not allow-listed", value)
	}
	return Literal{value: value}, nil
}

// CosmosRenderer renders the document-database dialect: fields as c.<path>,
// parameters as @name and literals double-quoted.
type CosmosRenderer struct{}

// Field renders f as a path on the document alias c.
func (CosmosRenderer) Field(f Field) string { return "c." + string(f) }

// Placeholder renders a named query parameter.
func (CosmosRenderer) Placeholder(name string) string { return "@" + name }

// Literal renders value as a double-quoted string.
func (CosmosRenderer) Literal(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
}
