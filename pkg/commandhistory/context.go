package commandhistory

import (
	"sync/atomic"

	"github.com/plaenen/commandhistory/pkg/privacy"
)

// OperationContext proves that a record was read from a particular
// Repository, which fragments were read and at which versions. It can only be
// produced by the repository read path and is consumed by the matching
// Replace.
type OperationContext struct {
	owner     *Repository
	commandID privacy.CommandID
	read      FragmentTypes
	coreETag  string
	blobs     map[FragmentTypes]blobVersion
	consumed  atomic.Bool
}

type blobVersion struct {
	pointer *BlobPointer
	version string
}

// CommandID returns the command the context was issued for.
func (c *OperationContext) CommandID() privacy.CommandID { return c.commandID }

// FragmentsRead returns the fragments captured by the read.
func (c *OperationContext) FragmentsRead() FragmentTypes { return c.read }

// CoreETag returns the core document version seen by the read.
func (c *OperationContext) CoreETag() string { return c.coreETag }

// Blob returns the pointer and version of a fragment blob. The version is
// empty if the fragment was not read.
func (c *OperationContext) Blob(f FragmentTypes) (*BlobPointer, string) {
	bv := c.blobs[f]
	return bv.pointer, bv.version
}

// Consumed reports whether a Replace has already used the context.
func (c *OperationContext) Consumed() bool { return c.consumed.Load() }

func (c *OperationContext) blobPointer(f FragmentTypes) *BlobPointer {
	return c.blobs[f].pointer
}
