package commandhistory

import (
	"context"
	"fmt"
	"strings"

	"github.com/plaenen/commandhistory/pkg/flighting"
	"github.com/plaenen/commandhistory/pkg/privacy"
	"github.com/plaenen/commandhistory/pkg/validators"
)

// QueryPrivacyCommand rebuilds the command behind a lease receipt from its
// stored raw payload, addressed to the receipt's agent and asset group. It
// returns nil and no error if the command or its payload is gone.
//
// Export commands get the destination stored for the agent. If none is
// stored and the command is still active, the destination is recovered from
// the agent's live queue and written back, provided the
// RePopulateExportDestinationFromQueues flight is on. An active export
// without a destination fails with ErrDataIntegrity.
func (r *Repository) QueryPrivacyCommand(ctx context.Context, lr privacy.LeaseReceipt) (*privacy.Command, error) {
	fragments := FragmentCore
	if lr.CommandType == privacy.CommandTypeExport {
		fragments |= FragmentExportDestinations
	}

	rec, err := r.Query(ctx, lr.CommandID, fragments)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Core == nil || strings.TrimSpace(rec.Core.RawCommand) == "" {
		return nil, nil
	}

	cmd, err := privacy.NewParser(lr).Parse(rec.Core.RawCommand)
	if err != nil {
		return nil, fmt.Errorf("%w: stored command %s: %v", ErrDataIntegrity, lr.CommandID, err)
	}
	cmd.NextVisibleTime = lr.ApproximateExpirationTime

	receipt := lr
	receipt.CommandID = cmd.ID
	receipt.CommandType = cmd.Type
	if cmd.Subject != nil {
		receipt.SubjectType = cmd.Subject.Type
	}
	cmd.LeaseReceipt = &receipt

	if !cmd.IsExport() {
		return cmd, nil
	}

	key := Key(lr.AgentID, lr.AssetGroupID)
	if dest := rec.ExportDestinations[key]; dest != nil && dest.URI != "" {
		cmd.Export = &privacy.ExportDestination{ContainerURI: dest.URI, ContainerPath: dest.Path}
	}

	// A globally complete export may have been force-completed, in which case
	// its destination is intentionally gone.
	if cmd.Export == nil && !rec.Core.IsGloballyComplete {
		if err := r.backfillExportDestination(ctx, rec, cmd, lr); err != nil {
			return nil, err
		}
	}

	return cmd, nil
}

// backfillExportDestination recovers cmd's export destination from the
// agent queue and persists it on rec.
func (r *Repository) backfillExportDestination(ctx context.Context, rec *Record, cmd *privacy.Command, lr privacy.LeaseReceipt) error {
	missing := fmt.Errorf("%w: export destination is missing for agent %s, asset group %s, command %s",
		ErrDataIntegrity, lr.AgentID, lr.AssetGroupID, lr.CommandID)

	attrs := map[string]any{
		"commandId":    string(lr.CommandID),
		"agentId":      string(lr.AgentID),
		"assetGroupId": string(lr.AssetGroupID),
	}
	if r.queues == nil || rec.ExportDestinations == nil ||
		!r.flights.IsEnabled(ctx, flighting.RePopulateExportDestinationFromQueues, attrs) {
		return missing
	}

	queue := r.queues.Queue(lr.AgentID, lr.AssetGroupID, lr.SubjectType, lr.QueueStorageType)
	if queue == nil || !queue.SupportsLeaseReceipt(lr) {
		return missing
	}

	queued, err := queue.QueryCommand(ctx, lr)
	if err != nil {
		return fmt.Errorf("failed to query command queue for %s: %w", lr.CommandID, err)
	}
	if !queued.IsExport() || queued.Export == nil || queued.Export.ContainerURI == "" {
		return missing
	}
	if err := validators.ExportDestination(queued.Export.ContainerURI, queued.Export.ContainerPath); err != nil {
		return fmt.Errorf("%w: queued export destination for %s is invalid: %v", ErrDataIntegrity, lr.CommandID, err)
	}

	cmd.Export = &privacy.ExportDestination{
		ContainerURI:  queued.Export.ContainerURI,
		ContainerPath: queued.Export.ContainerPath,
	}
	rec.ExportDestinations[Key(lr.AgentID, lr.AssetGroupID)] = &ExportDestinationRecord{
		URI:  cmd.Export.ContainerURI,
		Path: cmd.Export.ContainerPath,
	}
	if err := r.Replace(ctx, rec, FragmentExportDestinations); err != nil {
		return fmt.Errorf("failed to persist recovered export destination: %w", err)
	}

	r.logger.WarnContext(ctx, "export destination was missing, recovered from command queue",
		"command_id", lr.CommandID,
		"agent_id", lr.AgentID,
		"asset_group_id", lr.AssetGroupID,
	)
	return nil
}

// QueryIsCompleteByAgent reports whether the receipt's agent and asset group
// has recorded a completion time for the command. Missing data means not
// complete.
func (r *Repository) QueryIsCompleteByAgent(ctx context.Context, lr privacy.LeaseReceipt) (bool, error) {
	rec, err := r.Query(ctx, lr.CommandID, FragmentStatus)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.StatusMap == nil {
		return false, nil
	}
	return rec.StatusMap[Key(lr.AgentID, lr.AssetGroupID)].IsComplete(), nil
}
