package tasks_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/memblob"

	"github.com/plaenen/commandhistory/pkg/blobstore"
	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/docstore"
	"github.com/plaenen/commandhistory/pkg/privacy"
	"github.com/plaenen/commandhistory/pkg/tasks"
)

var taskNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func openRepository(t *testing.T) *commandhistory.Repository {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return taskNow }

	docs, err := docstore.Open(ctx, docstore.WithMemoryDatabase(), docstore.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	account, err := blobstore.OpenAccount(ctx, "primary", "mem://")
	require.NoError(t, err)
	blobs, err := blobstore.New([]blobstore.Account{account}, blobstore.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	repo, err := commandhistory.NewRepository(docs, blobs,
		commandhistory.WithClock(clock),
		commandhistory.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	return repo
}

func insertExport(t *testing.T, repo *commandhistory.Repository, id privacy.CommandID, subject *privacy.Subject, age time.Duration) {
	t.Helper()
	ingested := taskNow.Add(-age)
	insertExportWithStatus(t, repo, id, subject, age, map[commandhistory.AgentAssetGroup]*commandhistory.StatusRecord{
		commandhistory.Key("agent-a", "group-x"): {IngestionTime: &ingested, CompletedTime: &ingested},
		commandhistory.Key("agent-b", "group-y"): {IngestionTime: &ingested},
		commandhistory.Key("agent-c", "group-z"): {},
	})
}

func insertExportWithStatus(t *testing.T, repo *commandhistory.Repository, id privacy.CommandID, subject *privacy.Subject, age time.Duration, statuses map[commandhistory.AgentAssetGroup]*commandhistory.StatusRecord) {
	t.Helper()
	rec := commandhistory.NewRecord(&commandhistory.CoreRecord{
		CommandID:            id,
		Subject:              subject,
		Requester:            "requester-1",
		CommandType:          privacy.CommandTypeExport,
		CreatedTime:          taskNow.Add(-age),
		TotalCommandCount:    2,
		IngestedCommandCount: 2,
	})
	for key, status := range statuses {
		rec.StatusMap[key] = status
	}
	inserted, err := repo.TryInsert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestExportForceCompleter(t *testing.T) {
	ctx := context.Background()
	repo := openRepository(t)
	day := 24 * time.Hour

	insertExport(t, repo, "msa-stale", privacy.MSASubject(42), 40*day)
	insertExport(t, repo, "msa-fresh", privacy.MSASubject(42), 10*day)
	insertExport(t, repo, "aad-stale", privacy.AADSubject("object-1", "tenant-1"), 20*day)
	insertExport(t, repo, "aad-fresh", privacy.AADSubject("object-1", "tenant-1"), 5*day)

	completer := tasks.NewExportForceCompleter(repo,
		tasks.AgeWindow{MinAge: 30 * day, MaxAge: 60 * day},
		tasks.AgeWindow{MinAge: 14 * day, MaxAge: 60 * day},
		tasks.WithClock(func() time.Time { return taskNow }),
		tasks.WithForceCompleterLogger(slog.New(slog.DiscardHandler)))

	n, err := completer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []privacy.CommandID{"msa-stale", "aad-stale"} {
		t.Run(string(id)+" completed", func(t *testing.T) {
			rec, err := repo.Query(ctx, id, commandhistory.FragmentCore|commandhistory.FragmentStatus)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.True(t, rec.Core.IsGloballyComplete)
			require.NotNil(t, rec.Core.CompletedTime)
			assert.True(t, rec.Core.CompletedTime.Equal(taskNow))
			assert.Equal(t, 2, rec.Core.CompletedCommandCount)

			done := rec.StatusMap[commandhistory.Key("agent-a", "group-x")]
			assert.False(t, done.ForceCompleted, "already completed agents keep their status")
			for _, key := range []commandhistory.AgentAssetGroup{
				commandhistory.Key("agent-b", "group-y"),
				commandhistory.Key("agent-c", "group-z"),
			} {
				assert.True(t, rec.StatusMap[key].IsComplete())
				assert.True(t, rec.StatusMap[key].ForceCompleted)
			}
		})
	}

	for _, id := range []privacy.CommandID{"msa-fresh", "aad-fresh"} {
		t.Run(string(id)+" untouched", func(t *testing.T) {
			rec, err := repo.Query(ctx, id, commandhistory.FragmentCore)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.False(t, rec.Core.IsGloballyComplete)
		})
	}

	t.Run("second run is a no-op", func(t *testing.T) {
		n, err := completer.Run(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestExportForceCompleterWithoutPendingAgents(t *testing.T) {
	ctx := context.Background()
	repo := openRepository(t)
	day := 24 * time.Hour
	ingested := taskNow.Add(-40 * day)

	insertExportWithStatus(t, repo, "all-agents-done", privacy.MSASubject(7), 40*day, map[commandhistory.AgentAssetGroup]*commandhistory.StatusRecord{
		commandhistory.Key("agent-a", "group-x"): {IngestionTime: &ingested, CompletedTime: &ingested},
	})
	insertExportWithStatus(t, repo, "no-agents", privacy.MSASubject(7), 40*day, nil)

	completer := tasks.NewExportForceCompleter(repo,
		tasks.AgeWindow{MinAge: 30 * day, MaxAge: 60 * day},
		tasks.AgeWindow{MinAge: 14 * day, MaxAge: 60 * day},
		tasks.WithClock(func() time.Time { return taskNow }),
		tasks.WithForceCompleterLogger(slog.New(slog.DiscardHandler)))

	n, err := completer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []privacy.CommandID{"all-agents-done", "no-agents"} {
		t.Run(string(id), func(t *testing.T) {
			rec, err := repo.Query(ctx, id, commandhistory.FragmentCore|commandhistory.FragmentStatus)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.True(t, rec.Core.IsGloballyComplete)
			assert.Zero(t, rec.Core.CompletedCommandCount)
			for _, status := range rec.StatusMap {
				assert.False(t, status.ForceCompleted)
			}
		})
	}
}
