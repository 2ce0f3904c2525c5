package commandhistory

import (
	"context"

	"github.com/plaenen/commandhistory/pkg/docquery"
	"github.com/plaenen/commandhistory/pkg/privacy"
)

// BlobClient stores fragment payloads as versioned blobs.
type BlobClient interface {
	// CreateBlob stores v at a fresh random location.
	CreateBlob(ctx context.Context, v any) (BlobPointer, error)

	// ReadBlob decodes the blob at ptr into out and returns its version.
	ReadBlob(ctx context.Context, ptr BlobPointer, out any) (string, error)

	// ReplaceBlob overwrites the blob at ptr if its version still matches.
	// A mismatch fails with ErrConflict.
	ReplaceBlob(ctx context.Context, ptr BlobPointer, v any, version string) error
}

// DocumentClient stores core documents.
type DocumentClient interface {
	// PointQuery returns the document for id, or nil if there is none.
	PointQuery(ctx context.Context, id privacy.CommandID) (*CoreDocument, error)

	// CrossPartitionQuery returns one page of at most maxItemCount matches
	// and the continuation for the next page, "" when exhausted.
	CrossPartitionQuery(ctx context.Context, q *docquery.Query, continuation string, maxItemCount int) ([]*CoreDocument, string, error)

	// MaxParallelismCrossPartitionQuery is CrossPartitionQuery with the
	// store's own page size.
	MaxParallelismCrossPartitionQuery(ctx context.Context, q *docquery.Query, continuation string) ([]*CoreDocument, string, error)

	// Insert stores a new document. A duplicate id fails with ErrConflict.
	Insert(ctx context.Context, doc *CoreDocument) error

	// Replace overwrites doc if the stored etag still matches. A mismatch
	// fails with ErrConflict.
	Replace(ctx context.Context, doc *CoreDocument, etag string) error
}

// CommandQueue is the live queue of one agent and asset group.
type CommandQueue interface {
	SupportsLeaseReceipt(lr privacy.LeaseReceipt) bool

	// QueryCommand returns the queued command for lr, or nil if it is no
	// longer queued.
	QueryCommand(ctx context.Context, lr privacy.LeaseReceipt) (*privacy.Command, error)
}

// QueueFactory opens agent queues.
type QueueFactory interface {
	Queue(agentID privacy.AgentID, assetGroupID privacy.AssetGroupID, subjectType privacy.SubjectType, storageType privacy.QueueStorageType) CommandQueue
}
