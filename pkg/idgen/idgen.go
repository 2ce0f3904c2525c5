// Package idgen generates the random identifiers used for blob names and
// version tokens.
package idgen

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MustGenerateSortableID returns a new ULID string. ULIDs sort by creation
// time, which keeps blobs written on the same day adjacent in listings.
func MustGenerateSortableID() string {
	return ulid.Make().String()
}

// BlobName returns a fresh, lower-case blob name.
func BlobName() string {
	return strings.ToLower(MustGenerateSortableID())
}

// Version returns a fresh opaque version token.
func Version() string {
	return uuid.NewString()
}
