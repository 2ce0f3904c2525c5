package commandhistory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/plaenen/commandhistory/pkg/docquery"
	"github.com/plaenen/commandhistory/pkg/privacy"
)

type fakeDocs struct {
	mu      sync.Mutex
	docs    map[privacy.CommandID]*CoreDocument
	etag    int
	inserts int
	writes  int

	insertErr error
	queries   []*docquery.Query
	pages     func(q *docquery.Query, continuation string) ([]*CoreDocument, string, error)
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[privacy.CommandID]*CoreDocument)}
}

func cloneDoc(doc *CoreDocument) *CoreDocument {
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	var out CoreDocument
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	out.ETag = doc.ETag
	return &out
}

func (f *fakeDocs) PointQuery(_ context.Context, id privacy.CommandID) (*CoreDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	return cloneDoc(doc), nil
}

func (f *fakeDocs) CrossPartitionQuery(_ context.Context, q *docquery.Query, continuation string, _ int) ([]*CoreDocument, string, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	pages := f.pages
	f.mu.Unlock()
	if pages != nil {
		return pages(q, continuation)
	}
	return f.all(), "", nil
}

func (f *fakeDocs) MaxParallelismCrossPartitionQuery(ctx context.Context, q *docquery.Query, continuation string) ([]*CoreDocument, string, error) {
	return f.CrossPartitionQuery(ctx, q, continuation, 0)
}

func (f *fakeDocs) all() []*CoreDocument {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*CoreDocument, 0, len(f.docs))
	for _, doc := range f.docs {
		out = append(out, cloneDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeDocs) Insert(_ context.Context, doc *CoreDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.docs[doc.ID]; ok {
		return ErrConflict
	}
	f.etag++
	stored := cloneDoc(doc)
	stored.ETag = fmt.Sprintf("etag-%d", f.etag)
	f.docs[doc.ID] = stored
	return nil
}

func (f *fakeDocs) Replace(_ context.Context, doc *CoreDocument, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	current, ok := f.docs[doc.ID]
	if !ok || current.ETag != etag {
		return ErrConflict
	}
	f.etag++
	stored := cloneDoc(doc)
	stored.ETag = fmt.Sprintf("etag-%d", f.etag)
	f.docs[doc.ID] = stored
	return nil
}

type storedBlob struct {
	data    []byte
	version int
}

type fakeBlobs struct {
	mu       sync.Mutex
	blobs    map[BlobPointer]*storedBlob
	next     int
	creates  int
	replaces int

	createErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[BlobPointer]*storedBlob)}
}

func (f *fakeBlobs) CreateBlob(_ context.Context, v any) (BlobPointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return BlobPointer{}, f.createErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return BlobPointer{}, err
	}
	f.next++
	ptr := BlobPointer{AccountName: "acct", ContainerName: "ch-2026-10-16", BlobName: fmt.Sprintf("blob-%d", f.next)}
	f.blobs[ptr] = &storedBlob{data: data, version: 1}
	return ptr, nil
}

func (f *fakeBlobs) ReadBlob(_ context.Context, ptr BlobPointer, out any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[ptr]
	if !ok {
		return "", fmt.Errorf("blob %s not found", ptr)
	}
	if err := json.Unmarshal(b.data, out); err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d", b.version), nil
}

func (f *fakeBlobs) ReplaceBlob(_ context.Context, ptr BlobPointer, v any, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces++
	b, ok := f.blobs[ptr]
	if !ok || fmt.Sprintf("v%d", b.version) != version {
		return ErrConflict
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.data = data
	b.version++
	return nil
}

func (f *fakeBlobs) put(ptr BlobPointer, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[ptr] = &storedBlob{data: []byte(raw), version: 1}
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

type fakeQueue struct {
	supported bool
	command   *privacy.Command
	err       error
	queried   int
}

func (q *fakeQueue) SupportsLeaseReceipt(privacy.LeaseReceipt) bool { return q.supported }

func (q *fakeQueue) QueryCommand(context.Context, privacy.LeaseReceipt) (*privacy.Command, error) {
	q.queried++
	return q.command, q.err
}

type fakeQueues struct {
	queue *fakeQueue
}

func (f fakeQueues) Queue(privacy.AgentID, privacy.AssetGroupID, privacy.SubjectType, privacy.QueueStorageType) CommandQueue {
	return f.queue
}
