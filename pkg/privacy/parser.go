package privacy

import (
	"encoding/json"
	"fmt"
	"time"
)

// RawCommand is the payload persisted with every command record, exactly as
// it was submitted by the front door.
type RawCommand struct {
	CommandID   CommandID          `json:"commandId"`
	CommandType CommandType        `json:"commandType"`
	Subject     *Subject           `json:"subject"`
	Requester   string             `json:"requester,omitempty"`
	Context     string             `json:"context,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	DataTypes   []string           `json:"dataTypes,omitempty"`
	Export      *ExportDestination `json:"export,omitempty"`
}

// Encode returns the JSON form stored in the core document.
func (r RawCommand) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode raw command: %w", err)
	}
	return string(data), nil
}

// Parser rebuilds commands for a particular agent and asset group.
type Parser struct {
	agentID             AgentID
	assetGroupID        AssetGroupID
	assetGroupQualifier string
}

// NewParser returns a parser that addresses commands to the receipt's agent.
func NewParser(receipt LeaseReceipt) *Parser {
	return &Parser{
		agentID:             receipt.AgentID,
		assetGroupID:        receipt.AssetGroupID,
		assetGroupQualifier: receipt.AssetGroupQualifier,
	}
}

// Parse decodes raw into a Command. Destinations embedded in the raw payload
// are not trusted; callers resolve export destinations separately.
func (p *Parser) Parse(raw string) (*Command, error) {
	var rc RawCommand
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if rc.CommandID == "" {
		return nil, fmt.Errorf("%w: missing command id", ErrInvalidCommand)
	}
	if _, ok := commandTypeNames[rc.CommandType]; !ok {
		return nil, fmt.Errorf("%w: unsupported command type %d", ErrInvalidCommand, int(rc.CommandType))
	}

	return &Command{
		ID:                  rc.CommandID,
		Type:                rc.CommandType,
		AgentID:             p.agentID,
		AssetGroupID:        p.assetGroupID,
		AssetGroupQualifier: p.assetGroupQualifier,
		Subject:             rc.Subject,
		Requester:           rc.Requester,
		Context:             rc.Context,
		Timestamp:           rc.Timestamp,
		DataTypes:           rc.DataTypes,
	}, nil
}
