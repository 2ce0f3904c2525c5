package commandhistory

import (
	"time"

	"github.com/plaenen/commandhistory/pkg/privacy"
)

// AgentAssetGroup keys the per-agent fragment maps.
type AgentAssetGroup struct {
	AgentID      privacy.AgentID
	AssetGroupID privacy.AssetGroupID
}

// Key returns the map key for an agent and asset group.
func Key(agentID privacy.AgentID, assetGroupID privacy.AssetGroupID) AgentAssetGroup {
	return AgentAssetGroup{AgentID: agentID, AssetGroupID: assetGroupID}
}

// CoreRecord holds the small, frequently queried fields of a command.
type CoreRecord struct {
	CommandID                 privacy.CommandID        `json:"id"`
	Subject                   *privacy.Subject         `json:"subject,omitempty"`
	Requester                 string                   `json:"requester,omitempty"`
	Context                   string                   `json:"context,omitempty"`
	CommandType               privacy.CommandType      `json:"commandType"`
	CreatedTime               time.Time                `json:"createdTime"`
	IsGloballyComplete        bool                     `json:"isGloballyComplete"`
	CompletedTime             *time.Time               `json:"completedTime,omitempty"`
	TotalCommandCount         int                      `json:"totalCommandCount"`
	IngestedCommandCount      int                      `json:"ingestedCommandCount"`
	CompletedCommandCount     int                      `json:"completedCommandCount"`
	IsSynthetic               bool                     `json:"isSynthetic,omitempty"`
	RawCommand                string                   `json:"rawCommand,omitempty"`
	FinalExportDestinationURI string                   `json:"finalExportDestinationUri,omitempty"`
	QueueStorageType          privacy.QueueStorageType `json:"queueStorageType,omitempty"`
}

// IngestionStatus describes what happened when a command was routed to an
// agent.
type IngestionStatus string

const (
	IngestionSentToAgent     IngestionStatus = "SentToAgent"
	IngestionNotApplicable   IngestionStatus = "NotApplicable"
	IngestionDroppedByPolicy IngestionStatus = "DroppedByPolicy"
)

// AuditRecord explains the routing decision for one agent and asset group.
type AuditRecord struct {
	IngestionStatus         IngestionStatus `json:"is,omitempty"`
	ApplicabilityReasonCode string          `json:"arc,omitempty"`
	DebugText               string          `json:"dt,omitempty"`
}

// StatusRecord tracks one agent and asset group's progress on a command.
type StatusRecord struct {
	AssetGroupQualifier    string     `json:"agq,omitempty"`
	ClaimedVariants        []string   `json:"cv,omitempty"`
	IngestionTime          *time.Time `json:"ingt,omitempty"`
	CompletedTime          *time.Time `json:"cmpt,omitempty"`
	Delinked               bool       `json:"dl,omitempty"`
	NonTransientExceptions string     `json:"nte,omitempty"`
	AffectedRows           int        `json:"ar,omitempty"`
	ForceCompleted         bool       `json:"fc,omitempty"`
}

// IsComplete reports whether a real completion time has been recorded.
func (s *StatusRecord) IsComplete() bool {
	return s != nil && s.CompletedTime != nil && !s.CompletedTime.IsZero()
}

// ExportDestinationRecord is where one agent writes its export output.
type ExportDestinationRecord struct {
	URI  string `json:"u"`
	Path string `json:"p,omitempty"`
}
