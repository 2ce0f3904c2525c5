// Package privacy models privacy commands as they are delivered to agents:
// identifiers, subjects, command types and lease receipts, plus the parser
// that rebuilds a typed command from its stored raw payload.
package privacy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommandID identifies one logical privacy command.
type CommandID string

// AgentID identifies a data agent.
type AgentID string

// AssetGroupID identifies an asset group owned by an agent.
type AssetGroupID string

func (id CommandID) String() string    { return string(id) }
func (id AgentID) String() string      { return string(id) }
func (id AssetGroupID) String() string { return string(id) }

// CommandType is the kind of privacy command. Values are persisted.
type CommandType int

const (
	CommandTypeUnknown      CommandType = 0
	CommandTypeDelete       CommandType = 1
	CommandTypeExport       CommandType = 2
	CommandTypeAccountClose CommandType = 3
	CommandTypeAgeOut       CommandType = 4
)

var commandTypeNames = map[CommandType]string{
	CommandTypeDelete:       "delete",
	CommandTypeExport:       "export",
	CommandTypeAccountClose: "accountClose",
	CommandTypeAgeOut:       "ageOut",
}

func (t CommandType) String() string {
	if name, ok := commandTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int(t))
}

// ParseCommandType parses the name produced by String, case-insensitively.
func ParseCommandType(s string) (CommandType, error) {
	for t, name := range commandTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, s)
}

// MarshalJSON encodes the type by name.
func (t CommandType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either the name or the persisted integer.
func (t *CommandType) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*t = CommandType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: command type: %v", ErrInvalidCommand, err)
	}
	parsed, err := ParseCommandType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SubjectType names the kind of identity a command applies to.
type SubjectType string

const (
	SubjectMSA         SubjectType = "msa"
	SubjectAAD         SubjectType = "aad"
	SubjectDevice      SubjectType = "device"
	SubjectDemographic SubjectType = "demographic"
	SubjectEmployee    SubjectType = "microsoftEmployee"
)

// SubjectTypes lists every subject type the service understands.
var SubjectTypes = []SubjectType{SubjectMSA, SubjectAAD, SubjectDevice, SubjectDemographic, SubjectEmployee}

// Subject is the identity a command applies to. Only the fields relevant to
// Type are populated.
type Subject struct {
	Type     SubjectType `json:"type"`
	Puid     string      `json:"puid,omitempty"`
	ObjectID string      `json:"objectId,omitempty"`
	TenantID string      `json:"tenantId,omitempty"`
	DeviceID string      `json:"deviceId,omitempty"`
}

// MSASubject returns an MSA subject for puid.
func MSASubject(puid int64) *Subject {
	return &Subject{Type: SubjectMSA, Puid: fmt.Sprintf("%d", puid)}
}

// AADSubject returns an AAD subject for the given object and tenant ids.
func AADSubject(objectID, tenantID string) *Subject {
	return &Subject{Type: SubjectAAD, ObjectID: objectID, TenantID: tenantID}
}

// QueueStorageType names the backing store of an agent queue.
type QueueStorageType string

const (
	QueueStorageJetStream QueueStorageType = "jetstream"
	QueueStorageDocument  QueueStorageType = "document"
)

// LeaseReceipt is the handle an agent holds for a command it has leased from
// its queue.
type LeaseReceipt struct {
	DatabaseMoniker           string           `json:"moniker"`
	Token                     string           `json:"token"`
	CommandID                 CommandID        `json:"commandId"`
	CommandType               CommandType      `json:"commandType"`
	AgentID                   AgentID          `json:"agentId"`
	AssetGroupID              AssetGroupID     `json:"assetGroupId"`
	AssetGroupQualifier       string           `json:"assetGroupQualifier"`
	SubjectType               SubjectType      `json:"subjectType"`
	QueueStorageType          QueueStorageType `json:"queueStorageType"`
	ApproximateExpirationTime time.Time        `json:"expires"`
}

// ExportDestination is where an agent writes exported data.
type ExportDestination struct {
	ContainerURI  string `json:"uri"`
	ContainerPath string `json:"path,omitempty"`
}

// Command is a privacy command addressed to one agent and asset group.
type Command struct {
	ID                  CommandID
	Type                CommandType
	AgentID             AgentID
	AssetGroupID        AssetGroupID
	AssetGroupQualifier string
	Subject             *Subject
	Requester           string
	Context             string
	Timestamp           time.Time
	DataTypes           []string
	NextVisibleTime     time.Time
	LeaseReceipt        *LeaseReceipt

	// Export is set for export commands once a destination is resolved.
	Export *ExportDestination
}

// IsExport reports whether c is an export command.
func (c *Command) IsExport() bool {
	return c != nil && c.Type == CommandTypeExport
}
