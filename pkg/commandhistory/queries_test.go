package commandhistory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/commandhistory/pkg/docquery"
	"github.com/plaenen/commandhistory/pkg/flighting"
	"github.com/plaenen/commandhistory/pkg/privacy"
)

func lastQuery(t *testing.T, docs *fakeDocs) *docquery.Query {
	t.Helper()
	docs.mu.Lock()
	defer docs.mu.Unlock()
	require.NotEmpty(t, docs.queries)
	return docs.queries[len(docs.queries)-1]
}

func TestQueryBySubject(t *testing.T) {
	ctx := context.Background()

	t.Run("builds a parameterized filter", func(t *testing.T) {
		repo, docs, _ := newTestRepository(t)
		_, err := repo.QueryBySubject(ctx, SubjectQuery{
			Subject:      privacy.MSASubject(42),
			Requester:    "requester-1",
			CommandTypes: []privacy.CommandType{privacy.CommandTypeDelete, privacy.CommandTypeExport},
			OldestRecord: testNow.Add(-24 * time.Hour),
		}, FragmentCore)
		require.NoError(t, err)

		q := lastQuery(t, docs)
		assert.Equal(t,
			"SELECT * FROM c WHERE c.s.puid = @puid AND c.r = @requester AND (c.ct = @commandType0 OR c.ct = @commandType1) AND c.crt >= @createdTime",
			q.Text(docquery.CosmosRenderer{}))

		puid, _ := q.Lookup("puid")
		assert.Equal(t, "42", puid)
		ct, _ := q.Lookup("commandType1")
		assert.Equal(t, int(privacy.CommandTypeExport), ct)
		floor, _ := q.Lookup("createdTime")
		assert.Equal(t, testNow.Add(-24*time.Hour).Unix(), floor)
	})

	t.Run("aad subject filters by object id", func(t *testing.T) {
		repo, docs, _ := newTestRepository(t)
		_, err := repo.QueryBySubject(ctx, SubjectQuery{Subject: privacy.AADSubject("obj", "tenant")}, FragmentCore)
		require.NoError(t, err)
		assert.Equal(t,
			"SELECT * FROM c WHERE c.s.objectId = @objectId AND c.crt >= @createdTime",
			lastQuery(t, docs).Text(docquery.CosmosRenderer{}))
	})

	t.Run("pcd requesters expand to the configured app ids", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PCDAppIDs = []string{"pcd-1", " PCD-2 ", "pcd-1", ""}
		repo, docs, _ := newTestRepository(t, WithConfig(cfg))

		_, err := repo.QueryBySubject(ctx, SubjectQuery{Requester: "Pcd-2"}, FragmentCore)
		require.NoError(t, err)

		q := lastQuery(t, docs)
		assert.Equal(t,
			"SELECT * FROM c WHERE c.r IN (@requester_0,@requester_1) AND c.crt >= @createdTime",
			q.Text(docquery.CosmosRenderer{}))
		first, _ := q.Lookup("requester_0")
		second, _ := q.Lookup("requester_1")
		assert.Equal(t, "pcd-1", first)
		assert.Equal(t, "PCD-2", second)
	})

	t.Run("floor is clamped to the maximum query age", func(t *testing.T) {
		repo, docs, _ := newTestRepository(t)
		_, err := repo.QueryBySubject(ctx, SubjectQuery{OldestRecord: testNow.AddDate(-10, 0, 0)}, FragmentCore)
		require.NoError(t, err)

		floor, ok := lastQuery(t, docs).Lookup("createdTime")
		require.True(t, ok)
		assert.Equal(t, testNow.AddDate(0, 0, -30).Unix(), floor)
	})

	t.Run("reads fragments across pages in order", func(t *testing.T) {
		repo, docs, _ := newTestRepository(t)
		for i := 0; i < 5; i++ {
			insertTestRecord(t, repo, privacy.CommandID(fmt.Sprintf("cmd-%d", i)))
		}
		all := docs.all()
		docs.pages = func(_ *docquery.Query, continuation string) ([]*CoreDocument, string, error) {
			switch continuation {
			case "":
				return all[:2], "p2", nil
			case "p2":
				return all[2:4], "p3", nil
			default:
				return all[4:], "", nil
			}
		}

		records, err := repo.QueryBySubject(ctx, SubjectQuery{}, FragmentCore|FragmentAudit)
		require.NoError(t, err)
		require.Len(t, records, 5)
		for i, rec := range records {
			assert.Equal(t, privacy.CommandID(fmt.Sprintf("cmd-%d", i)), rec.CommandID)
			assert.Len(t, rec.AuditMap, 1)
			assert.Nil(t, rec.StatusMap)
		}
	})

	t.Run("too many matches throttle", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxFragmentTasks = 5
		repo, docs, _ := newTestRepository(t, WithConfig(cfg))

		pages := 0
		docs.pages = func(_ *docquery.Query, _ string) ([]*CoreDocument, string, error) {
			pages++
			return []*CoreDocument{
				{ID: privacy.CommandID(fmt.Sprintf("a-%d", pages))},
				{ID: privacy.CommandID(fmt.Sprintf("b-%d", pages))},
			}, "more", nil
		}

		records, err := repo.QueryBySubject(ctx, SubjectQuery{}, FragmentCore)
		assert.ErrorIs(t, err, ErrThrottle)
		assert.Nil(t, records)
		assert.Equal(t, 3, pages)
	})

	t.Run("below the cap is not throttled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxFragmentTasks = 4
		repo, docs, _ := newTestRepository(t, WithConfig(cfg))
		docs.pages = func(_ *docquery.Query, _ string) ([]*CoreDocument, string, error) {
			return []*CoreDocument{{ID: "a"}, {ID: "b"}, {ID: "c"}}, "", nil
		}

		records, err := repo.QueryBySubject(ctx, SubjectQuery{}, FragmentCore)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})
}

func TestQueryPartiallyIngested(t *testing.T) {
	ctx := context.Background()
	repo, docs, _ := newTestRepository(t)
	insertTestRecord(t, repo, "cmd")

	all := docs.all()
	docs.pages = func(_ *docquery.Query, continuation string) ([]*CoreDocument, string, error) {
		assert.Equal(t, "token", continuation)
		return all, "next", nil
	}

	records, next, err := repo.QueryPartiallyIngested(ctx, PartialIngestionQuery{
		Oldest:       testNow.Add(-time.Hour),
		Newest:       testNow,
		MaxItemCount: 10,
		ExportOnly:   true,
		Continuation: "token",
	})
	require.NoError(t, err)
	assert.Equal(t, "next", next)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].StatusMap)
	assert.Nil(t, records[0].AuditMap)
	assert.Equal(t, FragmentCore|FragmentStatus, records[0].ReadContext().FragmentsRead())

	assert.Equal(t,
		"SELECT * FROM c WHERE c.tcc != c.icc AND c.c = @complete AND (c.crt BETWEEN @oldestRecord AND @newestRecord) AND c.ct = @commandType",
		lastQuery(t, docs).Text(docquery.CosmosRenderer{}))

	_, _, err = repo.QueryPartiallyIngested(ctx, PartialIngestionQuery{NonExportOnly: true, Continuation: "token"})
	require.NoError(t, err)
	assert.Contains(t, lastQuery(t, docs).Text(docquery.CosmosRenderer{}), "c.ct != @commandType")
}

func TestQueryIncompleteExports(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects an inverted window", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		_, err := repo.QueryIncompleteExports(ctx, testNow, testNow.Add(-time.Hour), true, FragmentCore)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("splits aad subjects", func(t *testing.T) {
		repo, docs, _ := newTestRepository(t)

		_, err := repo.QueryIncompleteExports(ctx, testNow.Add(-time.Hour), testNow, true, FragmentCore)
		require.NoError(t, err)
		q := lastQuery(t, docs)
		assert.Equal(t,
			"SELECT * FROM c WHERE c.ct = @commandType AND (c.crt BETWEEN @oldestRecord AND @newestRecord) AND c.c = @complete AND c.s.type = @subject",
			q.Text(docquery.CosmosRenderer{}))
		subject, _ := q.Lookup("subject")
		assert.Equal(t, "aad", subject)

		_, err = repo.QueryIncompleteExports(ctx, testNow.Add(-time.Hour), testNow, false, FragmentCore)
		require.NoError(t, err)
		assert.Contains(t, lastQuery(t, docs).Text(docquery.CosmosRenderer{}), "c.s.type != @subject")
	})
}

func TestCommandsForReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("excludes exports unless flighted", func(t *testing.T) {
		repo, docs, _ := newTestRepository(t)
		_, _, err := repo.CommandsForReplay(ctx, ReplayQuery{Start: testNow.Add(-time.Hour), End: testNow, IncludeExports: true})
		require.NoError(t, err)
		assert.Equal(t,
			"SELECT * FROM c WHERE c.ct != @exportType AND c.crt >= @startTime AND c.crt < @endTime",
			lastQuery(t, docs).Text(docquery.CosmosRenderer{}))
	})

	t.Run("includes exports when flighted", func(t *testing.T) {
		repo, docs, _ := newTestRepository(t, WithFlights(flighting.Static{flighting.EnableExportCommandReplay: true}))
		_, _, err := repo.CommandsForReplay(ctx, ReplayQuery{Start: testNow.Add(-time.Hour), End: testNow, IncludeExports: true, SubjectType: privacy.SubjectAAD})
		require.NoError(t, err)
		assert.Equal(t,
			`SELECT * FROM c WHERE c.crt >= @startTime AND c.crt < @endTime AND c.s.type = "aad"`,
			lastQuery(t, docs).Text(docquery.CosmosRenderer{}))
	})

	t.Run("rejects unknown subject types", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		_, _, err := repo.CommandsForReplay(ctx, ReplayQuery{SubjectType: `aad" OR 1=1`})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("returns raw commands", func(t *testing.T) {
		repo, docs, _ := newTestRepository(t)
		core := testCore("cmd")
		core.RawCommand = `{"commandId":"cmd"}`
		_, err := repo.TryInsert(ctx, NewRecord(core))
		require.NoError(t, err)

		commands, next, err := repo.CommandsForReplay(ctx, ReplayQuery{Start: testNow.Add(-time.Hour), End: testNow})
		require.NoError(t, err)
		assert.Empty(t, next)
		assert.Equal(t, []string{`{"commandId":"cmd"}`}, commands)
		assert.NotEmpty(t, docs.queries)
	})
}
