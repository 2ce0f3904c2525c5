package docstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/docquery"
	"github.com/plaenen/commandhistory/pkg/privacy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithMemoryDatabase(), WithClock(clock.Now)}, opts...)
	store, err := Open(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, clock
}

func testDocument(id string, puid int64, created time.Time) *commandhistory.CoreDocument {
	return &commandhistory.CoreDocument{
		ID:                privacy.CommandID(id),
		Subject:           privacy.MSASubject(puid),
		Requester:         "requester",
		CommandType:       int(privacy.CommandTypeDelete),
		CreatedTime:       created.Unix(),
		TotalCommandCount: 2,
		TimeToLive:        3600,
	}
}

func TestInsertAndPointQuery(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	t.Run("missing document", func(t *testing.T) {
		doc, err := store.PointQuery(ctx, "absent")
		require.NoError(t, err)
		assert.Nil(t, doc)
	})

	t.Run("round trip", func(t *testing.T) {
		doc := testDocument("cmd-1", 42, time.Unix(1_700_000_000, 0))
		require.NoError(t, store.Insert(ctx, doc))
		assert.NotEmpty(t, doc.ETag)

		got, err := store.PointQuery(ctx, "cmd-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, doc.ETag, got.ETag)
		assert.Equal(t, doc.Subject, got.Subject)
		assert.Equal(t, doc.CreatedTime, got.CreatedTime)
		assert.Equal(t, 2, got.TotalCommandCount)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		err := store.Insert(ctx, testDocument("cmd-1", 7, time.Unix(1_700_000_000, 0)))
		assert.ErrorIs(t, err, commandhistory.ErrConflict)

		got, err := store.PointQuery(ctx, "cmd-1")
		require.NoError(t, err)
		assert.Equal(t, "42", got.Subject.Puid)
	})
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	doc := testDocument("cmd-1", 42, time.Unix(1_700_000_000, 0))
	require.NoError(t, store.Insert(ctx, doc))
	original := doc.ETag

	t.Run("matching etag", func(t *testing.T) {
		doc.IngestedCommandCount = 2
		require.NoError(t, store.Replace(ctx, doc, original))
		assert.NotEqual(t, original, doc.ETag)

		got, err := store.PointQuery(ctx, "cmd-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.IngestedCommandCount)
		assert.Equal(t, doc.ETag, got.ETag)
	})

	t.Run("stale etag", func(t *testing.T) {
		doc.IsGloballyComplete = true
		err := store.Replace(ctx, doc, original)
		assert.ErrorIs(t, err, commandhistory.ErrConflict)

		got, err := store.PointQuery(ctx, "cmd-1")
		require.NoError(t, err)
		assert.False(t, got.IsGloballyComplete)
	})

	t.Run("missing document", func(t *testing.T) {
		err := store.Replace(ctx, testDocument("absent", 1, time.Now()), "etag")
		assert.ErrorIs(t, err, commandhistory.ErrConflict)
	})
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	short := testDocument("short", 1, clock.Now())
	short.TimeToLive = 60
	long := testDocument("long", 2, clock.Now())
	long.TimeToLive = 3600
	require.NoError(t, store.Insert(ctx, short))
	require.NoError(t, store.Insert(ctx, long))

	clock.Advance(2 * time.Minute)

	got, err := store.PointQuery(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, got, "expired documents are invisible before they are swept")

	err = store.Replace(ctx, short, short.ETag)
	assert.ErrorIs(t, err, commandhistory.ErrConflict)

	removed, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// An expired id can be reused once swept.
	require.NoError(t, store.Insert(ctx, testDocument("short", 3, clock.Now())))
}

func TestCrossPartitionQuery(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, WithPageSize(2))

	base := time.Unix(1_700_000_000, 0)
	for i := range 5 {
		doc := testDocument(fmt.Sprintf("cmd-%d", i), int64(100+i%2), base.Add(time.Duration(i)*time.Hour))
		if i == 4 {
			doc.Subject = privacy.AADSubject("object", "tenant")
			doc.IsGloballyComplete = true
		}
		require.NoError(t, store.Insert(ctx, doc))
	}

	t.Run("pages in id order", func(t *testing.T) {
		var (
			ids          []privacy.CommandID
			continuation string
			pages        int
		)
		for {
			docs, next, err := store.MaxParallelismCrossPartitionQuery(ctx, docquery.New(), continuation)
			require.NoError(t, err)
			pages++
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			if next == "" {
				break
			}
			continuation = next
		}
		assert.Equal(t, 3, pages)
		assert.Equal(t, []privacy.CommandID{"cmd-0", "cmd-1", "cmd-2", "cmd-3", "cmd-4"}, ids)
	})

	t.Run("exact fit has no continuation", func(t *testing.T) {
		docs, next, err := store.CrossPartitionQuery(ctx, docquery.New(), "", 5)
		require.NoError(t, err)
		assert.Len(t, docs, 5)
		assert.Empty(t, next)
	})

	t.Run("nested field filter", func(t *testing.T) {
		q := docquery.New()
		q.Where(docquery.Eq(commandhistory.FieldSubjectPuid, q.Param("puid", "101")))
		docs, _, err := store.CrossPartitionQuery(ctx, q, "", 10)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, privacy.CommandID("cmd-1"), docs[0].ID)
		assert.Equal(t, privacy.CommandID("cmd-3"), docs[1].ID)
	})

	t.Run("bool and range filters", func(t *testing.T) {
		q := docquery.New()
		q.Where(docquery.Eq(commandhistory.FieldGloballyComplete, q.Param("complete", false)))
		q.Where(docquery.Between(commandhistory.FieldCreatedTime,
			q.Param("oldest", base.Add(time.Hour).Unix()),
			q.Param("newest", base.Add(3*time.Hour).Unix())))
		docs, _, err := store.CrossPartitionQuery(ctx, q, "", 10)
		require.NoError(t, err)
		assert.Len(t, docs, 3)
	})

	t.Run("half-open range", func(t *testing.T) {
		q := docquery.New()
		q.Where(docquery.And(
			docquery.Gt(commandhistory.FieldCreatedTime, q.Param("after", base.Unix())),
			docquery.Lte(commandhistory.FieldCreatedTime, q.Param("until", base.Add(2*time.Hour).Unix())),
		))
		docs, _, err := store.CrossPartitionQuery(ctx, q, "", 10)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, privacy.CommandID("cmd-1"), docs[0].ID)
		assert.Equal(t, privacy.CommandID("cmd-2"), docs[1].ID)
	})

	t.Run("literal filter", func(t *testing.T) {
		lit, err := docquery.NewAllowList(string(privacy.SubjectAAD)).Literal(string(privacy.SubjectAAD))
		require.NoError(t, err)
		q := docquery.New().Where(docquery.EqLiteral(commandhistory.FieldSubjectType, lit))
		docs, _, err := store.CrossPartitionQuery(ctx, q, "", 10)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, privacy.CommandID("cmd-4"), docs[0].ID)
	})

	t.Run("fields compared to each other", func(t *testing.T) {
		q := docquery.New().Where(docquery.FieldsNe(commandhistory.FieldTotalCommandCount, commandhistory.FieldIngestedCommandCnt))
		docs, _, err := store.CrossPartitionQuery(ctx, q, "", 10)
		require.NoError(t, err)
		assert.Len(t, docs, 5)
	})

	t.Run("reserved parameter", func(t *testing.T) {
		q := docquery.New()
		q.Where(docquery.Eq(commandhistory.FieldID, q.Param(paramAfter, "x")))
		_, _, err := store.CrossPartitionQuery(ctx, q, "", 10)
		assert.ErrorIs(t, err, commandhistory.ErrInvalidArgument)
	})

	t.Run("malformed continuation", func(t *testing.T) {
		_, _, err := store.CrossPartitionQuery(ctx, docquery.New(), "not base64!", 10)
		assert.ErrorIs(t, err, commandhistory.ErrInvalidArgument)
	})
}

func TestRenderer(t *testing.T) {
	q := docquery.New()
	lit, err := docquery.NewAllowList("o'neil").Literal("o'neil")
	require.NoError(t, err)
	q.Where(docquery.Eq(commandhistory.FieldSubjectPuid, q.Param("puid", "1")))
	q.Where(docquery.EqLiteral(commandhistory.FieldSubjectType, lit))

	assert.Equal(t,
		"json_extract(doc, '$.s.puid') = @puid AND json_extract(doc, '$.s.type') = 'o''neil'",
		q.Filter(Renderer{}))
}

func TestMigrateIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestReadReplicas(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "core.db")

	store, err := Open(ctx,
		WithDSN(path),
		WithWALMode(false),
		WithReadReplicas("file:"+path+"?mode=ro"),
	)
	require.NoError(t, err)
	defer store.Close()
	require.Len(t, store.readers, 1)

	doc := testDocument("cmd-1", 42, time.Now())
	require.NoError(t, store.Insert(ctx, doc))

	got, err := store.PointQuery(ctx, "cmd-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc.ETag, got.ETag)
}

func TestRetentionDefault(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t, WithRetentionDays(1))

	doc := testDocument("cmd-1", 42, clock.Now())
	doc.TimeToLive = 0
	require.NoError(t, store.Insert(ctx, doc))

	clock.Advance(23 * time.Hour)
	got, err := store.PointQuery(ctx, "cmd-1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	clock.Advance(2 * time.Hour)
	got, err = store.PointQuery(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
