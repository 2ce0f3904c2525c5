// Package docquery builds filter queries over core documents.
//
// Values never appear in the rendered text: predicates only accept
// Placeholders, which can only be minted by Query.Param, and Literals, which
// can only be minted by an AllowList. A Renderer turns the predicate tree
// into the dialect of a concrete store.
package docquery

import (
	"fmt"
	"strings"
)

// Field is a dotted path to a short document key, e.g. "crt" or "s.puid".
type Field string

// Placeholder references a bound parameter of the query that minted it.
type Placeholder struct {
	name string
}

// Name returns the parameter name without any dialect prefix.
func (p Placeholder) Name() string { return p.name }

// Param is a named value bound to a query.
type Param struct {
	Name  string
	Value any
}

// Renderer converts the pieces of a predicate into store-specific text.
type Renderer interface {
	Field(f Field) string
	Placeholder(name string) string
	Literal(value string) string
}

// Predicate is one node of a filter expression.
type Predicate interface {
	render(r Renderer) string
}

// Query is a filter over documents plus the parameters it binds.
type Query struct {
	where  []Predicate
	params []Param
	names  map[string]struct{}
}

// New returns an empty query. An empty query matches every document.
func New() *Query {
	return &Query{names: make(map[string]struct{})}
}

// Param binds value under name and returns a placeholder for it. Binding the
// same name twice is a programming error and panics.
func (q *Query) Param(name string, value any) Placeholder {
	if name == "" {
		panic("docquery: empty parameter name")
	}
	if _, exists := q.names[name]; exists {
		panic(fmt.Sprintf("docquery: parameter %q bound twice", name))
	}
	q.names[name] = struct{}{}
	q.params = append(q.params, Param{Name: name, Value: value})
	return Placeholder{name: name}
}

// Where appends a predicate; all predicates are combined with AND.
func (q *Query) Where(p Predicate) *Query {
	if p != nil {
		q.where = append(q.where, p)
	}
	return q
}

// Params returns the bound parameters in binding order.
func (q *Query) Params() []Param {
	out := make([]Param, len(q.params))
	copy(out, q.params)
	return out
}

// Lookup returns the value bound under name.
func (q *Query) Lookup(name string) (any, bool) {
	for _, p := range q.params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// Filter renders the AND of all predicates, or "" when there are none.
func (q *Query) Filter(r Renderer) string {
	parts := make([]string, 0, len(q.where))
	for _, p := range q.where {
		parts = append(parts, p.render(r))
	}
	return strings.Join(parts, " AND ")
}

// Text renders a complete document query: SELECT * FROM c [WHERE filter].
func (q *Query) Text(r Renderer) string {
	filter := q.Filter(r)
	if filter == "" {
		return "SELECT * FROM c"
	}
	return "SELECT * FROM c WHERE " + filter
}

type comparison struct {
	field Field
	op    string
	value Placeholder
}

func (c comparison) render(r Renderer) string {
	return r.Field(c.field) + " " + c.op + " " + r.Placeholder(c.value.name)
}

// Eq matches field = value.
func Eq(f Field, p Placeholder) Predicate { return comparison{f, "=", p} }

// Ne matches field != value.
func Ne(f Field, p Placeholder) Predicate { return comparison{f, "!=", p} }

// Gt matches field > value.
func Gt(f Field, p Placeholder) Predicate { return comparison{f, ">", p} }

// Gte matches field >= value.
func Gte(f Field, p Placeholder) Predicate { return comparison{f, ">=", p} }

// Lt matches field < value.
func Lt(f Field, p Placeholder) Predicate { return comparison{f, "<", p} }

// Lte matches field <= value.
func Lte(f Field, p Placeholder) Predicate { return comparison{f, "<=", p} }

type between struct {
	field     Field
	low, high Placeholder
}

func (b between) render(r Renderer) string {
	return "(" + r.Field(b.field) + " BETWEEN " + r.Placeholder(b.low.name) + " AND " + r.Placeholder(b.high.name) + ")"
}

// Between matches low <= field <= high.
func Between(f Field, low, high Placeholder) Predicate { return between{f, low, high} }

type in struct {
	field  Field
	values []Placeholder
}

func (i in) render(r Renderer) string {
	names := make([]string, len(i.values))
	for n, p := range i.values {
		names[n] = r.Placeholder(p.name)
	}
	return r.Field(i.field) + " IN (" + strings.Join(names, ",") + ")"
}

// In matches field against any of the given values. It returns nil for an
// empty list so that Where ignores it.
func In(f Field, values ...Placeholder) Predicate {
	if len(values) == 0 {
		return nil
	}
	return in{f, values}
}

type fieldsNe struct {
	a, b Field
}

func (f fieldsNe) render(r Renderer) string {
	return r.Field(f.a) + " != " + r.Field(f.b)
}

// FieldsNe matches documents whose two fields differ.
func FieldsNe(a, b Field) Predicate { return fieldsNe{a, b} }

type literalComparison struct {
	field Field
	op    string
	value Literal
}

func (l literalComparison) render(r Renderer) string {
	return r.Field(l.field) + " " + l.op + " " + r.Literal(l.value.value)
}

// EqLiteral matches field against a reviewed literal.
func EqLiteral(f Field, l Literal) Predicate { return literalComparison{f, "=", l} }

type junction struct {
	op    string
	preds []Predicate
}

func (j junction) render(r Renderer) string {
	parts := make([]string, 0, len(j.preds))
	for _, p := range j.preds {
		parts = append(parts, p.render(r))
	}
	return "(" + strings.Join(parts, " "+j.op+" ") + ")"
}

// Or matches when any predicate matches. It returns nil for an empty list.
func Or(preds ...Predicate) Predicate {
	preds = compact(preds)
	if len(preds) == 0 {
		return nil
	}
	return junction{"OR", preds}
}

// And groups predicates in parentheses. It returns nil for an empty list.
func And(preds ...Predicate) Predicate {
	preds = compact(preds)
	if len(preds) == 0 {
		return nil
	}
	return junction{"AND", preds}
}

func compact(preds []Predicate) []Predicate {
	out := preds[:0:0]
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
