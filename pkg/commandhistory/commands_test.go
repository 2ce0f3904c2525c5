package commandhistory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/commandhistory/pkg/flighting"
	"github.com/plaenen/commandhistory/pkg/privacy"
)

func insertRawCommand(t *testing.T, repo *Repository, id privacy.CommandID, commandType privacy.CommandType, mutate func(*Record)) {
	t.Helper()
	raw, err := privacy.RawCommand{
		CommandID:   id,
		CommandType: commandType,
		Subject:     privacy.AADSubject("obj", "tenant"),
		Requester:   "requester-1",
		Timestamp:   testNow.Add(-time.Hour),
		Export:      &privacy.ExportDestination{ContainerURI: "https://untrusted.example"},
	}.Encode()
	require.NoError(t, err)

	core := testCore(id)
	core.CommandType = commandType
	core.RawCommand = raw
	rec := NewRecord(core)
	if mutate != nil {
		mutate(rec)
	}
	inserted, err := repo.TryInsert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted)
}

func receiptFor(id privacy.CommandID, commandType privacy.CommandType) privacy.LeaseReceipt {
	return privacy.LeaseReceipt{
		DatabaseMoniker:           "db1",
		Token:                     "token",
		CommandID:                 id,
		CommandType:               commandType,
		AgentID:                   agentA.AgentID,
		AssetGroupID:              agentA.AssetGroupID,
		AssetGroupQualifier:       "q=1",
		SubjectType:               privacy.SubjectAAD,
		QueueStorageType:          privacy.QueueStorageJetStream,
		ApproximateExpirationTime: testNow.Add(time.Minute),
	}
}

func TestQueryPrivacyCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("missing command", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		cmd, err := repo.QueryPrivacyCommand(ctx, receiptFor("missing", privacy.CommandTypeDelete))
		require.NoError(t, err)
		assert.Nil(t, cmd)
	})

	t.Run("command without payload", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		insertTestRecord(t, repo, "cmd")
		cmd, err := repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeDelete))
		require.NoError(t, err)
		assert.Nil(t, cmd)
	})

	t.Run("rebuilds a delete for the agent", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		insertRawCommand(t, repo, "cmd", privacy.CommandTypeDelete, nil)

		lr := receiptFor("cmd", privacy.CommandTypeDelete)
		cmd, err := repo.QueryPrivacyCommand(ctx, lr)
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, privacy.CommandTypeDelete, cmd.Type)
		assert.Equal(t, agentA.AgentID, cmd.AgentID)
		assert.Equal(t, "q=1", cmd.AssetGroupQualifier)
		assert.Equal(t, lr.ApproximateExpirationTime, cmd.NextVisibleTime)
		require.NotNil(t, cmd.LeaseReceipt)
		assert.Equal(t, "token", cmd.LeaseReceipt.Token)
		assert.Nil(t, cmd.Export)
	})

	t.Run("export uses the stored destination", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		insertRawCommand(t, repo, "cmd", privacy.CommandTypeExport, func(rec *Record) {
			rec.ExportDestinations[agentA] = &ExportDestinationRecord{URI: "https://exports.example/c1", Path: "/p"}
		})

		cmd, err := repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeExport))
		require.NoError(t, err)
		require.NotNil(t, cmd.Export)
		assert.Equal(t, "https://exports.example/c1", cmd.Export.ContainerURI)
		assert.Equal(t, "/p", cmd.Export.ContainerPath)
	})

	t.Run("missing destination fails without the flight", func(t *testing.T) {
		queue := &fakeQueue{supported: true}
		repo, _, _ := newTestRepository(t, WithQueueFactory(fakeQueues{queue}))
		insertRawCommand(t, repo, "cmd", privacy.CommandTypeExport, nil)

		_, err := repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeExport))
		assert.ErrorIs(t, err, ErrDataIntegrity)
		assert.Equal(t, 0, queue.queried)
	})

	t.Run("missing destination is recovered from the queue", func(t *testing.T) {
		queue := &fakeQueue{supported: true, command: &privacy.Command{
			Type:   privacy.CommandTypeExport,
			Export: &privacy.ExportDestination{ContainerURI: "https://exports.example/queued", ContainerPath: "/q"},
		}}
		repo, _, blobs := newTestRepository(t,
			WithQueueFactory(fakeQueues{queue}),
			WithFlights(flighting.Static{flighting.RePopulateExportDestinationFromQueues: true}),
		)
		insertRawCommand(t, repo, "cmd", privacy.CommandTypeExport, nil)

		cmd, err := repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeExport))
		require.NoError(t, err)
		require.NotNil(t, cmd.Export)
		assert.Equal(t, "https://exports.example/queued", cmd.Export.ContainerURI)
		assert.Equal(t, 1, blobs.replaces)

		rec, err := repo.Query(ctx, "cmd", FragmentExportDestinations)
		require.NoError(t, err)
		assert.Equal(t, &ExportDestinationRecord{URI: "https://exports.example/queued", Path: "/q"}, rec.ExportDestinations[agentA])
	})

	t.Run("invalid queued destination is not persisted", func(t *testing.T) {
		queue := &fakeQueue{supported: true, command: &privacy.Command{
			Type:   privacy.CommandTypeExport,
			Export: &privacy.ExportDestination{ContainerURI: "ftp://exports.example/queued"},
		}}
		repo, _, blobs := newTestRepository(t,
			WithQueueFactory(fakeQueues{queue}),
			WithFlights(flighting.Static{flighting.RePopulateExportDestinationFromQueues: true}),
		)
		insertRawCommand(t, repo, "cmd", privacy.CommandTypeExport, nil)

		_, err := repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeExport))
		assert.ErrorIs(t, err, ErrDataIntegrity)
		assert.Equal(t, 0, blobs.replaces)
	})

	t.Run("not found in the queue either", func(t *testing.T) {
		queue := &fakeQueue{supported: true}
		repo, _, blobs := newTestRepository(t,
			WithQueueFactory(fakeQueues{queue}),
			WithFlights(flighting.Static{flighting.RePopulateExportDestinationFromQueues: true}),
		)
		insertRawCommand(t, repo, "cmd", privacy.CommandTypeExport, nil)

		_, err := repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeExport))
		assert.ErrorIs(t, err, ErrDataIntegrity)
		assert.Equal(t, 1, queue.queried)
		assert.Equal(t, 0, blobs.replaces)
	})

	t.Run("unsupported receipt is not queried", func(t *testing.T) {
		queue := &fakeQueue{supported: false}
		repo, _, _ := newTestRepository(t,
			WithQueueFactory(fakeQueues{queue}),
			WithFlights(flighting.Static{flighting.RePopulateExportDestinationFromQueues: true}),
		)
		insertRawCommand(t, repo, "cmd", privacy.CommandTypeExport, nil)

		_, err := repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeExport))
		assert.ErrorIs(t, err, ErrDataIntegrity)
		assert.Equal(t, 0, queue.queried)
	})

	t.Run("globally complete export has no destination", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		insertRawCommand(t, repo, "cmd", privacy.CommandTypeExport, func(rec *Record) {
			rec.Core.IsGloballyComplete = true
		})

		cmd, err := repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeExport))
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Nil(t, cmd.Export)
	})

	t.Run("corrupt payload", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		core := testCore("cmd")
		core.RawCommand = "{not json"
		_, err := repo.TryInsert(ctx, NewRecord(core))
		require.NoError(t, err)

		_, err = repo.QueryPrivacyCommand(ctx, receiptFor("cmd", privacy.CommandTypeDelete))
		assert.ErrorIs(t, err, ErrDataIntegrity)
	})
}

func TestQueryIsCompleteByAgent(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepository(t)

	done := testNow
	var zero time.Time
	rec := NewRecord(testCore("cmd"))
	rec.StatusMap[agentA] = &StatusRecord{CompletedTime: &done}
	rec.StatusMap[agentB] = &StatusRecord{CompletedTime: &zero}
	rec.StatusMap[Key("agent-c", "group-z")] = nil
	_, err := repo.TryInsert(ctx, rec)
	require.NoError(t, err)

	tests := []struct {
		name  string
		id    privacy.CommandID
		key   AgentAssetGroup
		wants bool
	}{
		{"completed", "cmd", agentA, true},
		{"zero completion time", "cmd", agentB, false},
		{"empty status", "cmd", Key("agent-c", "group-z"), false},
		{"unknown agent", "cmd", Key("agent-d", "group-w"), false},
		{"unknown command", "other", agentA, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, err := repo.QueryIsCompleteByAgent(ctx, privacy.LeaseReceipt{
				CommandID:    tt.id,
				AgentID:      tt.key.AgentID,
				AssetGroupID: tt.key.AssetGroupID,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wants, complete)
		})
	}
}
