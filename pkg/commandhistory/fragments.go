package commandhistory

import (
	"fmt"
	"strings"
)

// FragmentTypes is a set of independently stored parts of a command record.
type FragmentTypes uint8

const (
	FragmentNone               FragmentTypes = 0
	FragmentCore               FragmentTypes = 1 << 0
	FragmentAudit              FragmentTypes = 1 << 1
	FragmentStatus             FragmentTypes = 1 << 2
	FragmentExportDestinations FragmentTypes = 1 << 3

	FragmentAll = FragmentCore | FragmentAudit | FragmentStatus | FragmentExportDestinations
)

var fragmentNames = []struct {
	f    FragmentTypes
	name string
}{
	{FragmentCore, "Core"},
	{FragmentAudit, "Audit"},
	{FragmentStatus, "Status"},
	{FragmentExportDestinations, "ExportDestinations"},
}

// Has reports whether every fragment in other is in f.
func (f FragmentTypes) Has(other FragmentTypes) bool { return f&other == other }

// Union returns f ∪ other.
func (f FragmentTypes) Union(other FragmentTypes) FragmentTypes { return f | other }

// Intersect returns f ∩ other.
func (f FragmentTypes) Intersect(other FragmentTypes) FragmentTypes { return f & other }

// Without returns f \ other.
func (f FragmentTypes) Without(other FragmentTypes) FragmentTypes { return f &^ other }

// IsSubsetOf reports whether f ⊆ other.
func (f FragmentTypes) IsSubsetOf(other FragmentTypes) bool { return f&^other == 0 }

// IsEmpty reports whether f has no fragments.
func (f FragmentTypes) IsEmpty() bool { return f&FragmentAll == 0 }

func (f FragmentTypes) String() string {
	if f.IsEmpty() {
		return "None"
	}
	var parts []string
	for _, n := range fragmentNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseFragmentTypes parses a set written by String, or "All". Names are
// case-insensitive and may be separated by '|' or ','.
func ParseFragmentTypes(s string) (FragmentTypes, error) {
	var f FragmentTypes
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.TrimSpace(part)
		switch {
		case strings.EqualFold(part, "All"):
			f |= FragmentAll
			continue
		case strings.EqualFold(part, "None"):
			continue
		}
		found := false
		for _, n := range fragmentNames {
			if strings.EqualFold(part, n.name) {
				f |= n.f
				found = true
				break
			}
		}
		if !found {
			return FragmentNone, fmt.Errorf("%w: unknown fragment %q", ErrInvalidArgument, part)
		}
	}
	return f, nil
}

// blobFragments are the fragments stored outside the core document.
var blobFragments = []FragmentTypes{FragmentAudit, FragmentStatus, FragmentExportDestinations}
