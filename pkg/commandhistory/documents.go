package commandhistory

import (
	"fmt"
	"sort"
	"time"

	"github.com/plaenen/commandhistory/pkg/privacy"
)

// BlobPointer locates one fragment blob.
type BlobPointer struct {
	AccountName   string `json:"a"`
	ContainerName string `json:"c"`
	BlobName      string `json:"n"`
}

func (p BlobPointer) String() string {
	return p.AccountName + "/" + p.ContainerName + "/" + p.BlobName
}

// Short document keys referenced by queries.
const (
	FieldID                 = "id"
	FieldSubjectType        = "s.type"
	FieldSubjectPuid        = "s.puid"
	FieldSubjectObjectID    = "s.objectId"
	FieldRequester          = "r"
	FieldCommandType        = "ct"
	FieldCreatedTime        = "crt"
	FieldGloballyComplete   = "c"
	FieldTotalCommandCount  = "tcc"
	FieldIngestedCommandCnt = "icc"
)

// CoreDocument is the stored form of a core record. It is the commit point
// of a command: a command exists if and only if its core document does.
type CoreDocument struct {
	ID                        privacy.CommandID `json:"id"`
	Subject                   *privacy.Subject  `json:"s,omitempty"`
	Requester                 string            `json:"r,omitempty"`
	Context                   string            `json:"ctx,omitempty"`
	CommandType               int               `json:"ct"`
	CreatedTime               int64             `json:"crt"`
	IsGloballyComplete        bool              `json:"c"`
	CompletedTime             int64             `json:"cpt,omitempty"`
	TotalCommandCount         int               `json:"tcc"`
	IngestedCommandCount      int               `json:"icc"`
	CompletedCommandCount     int               `json:"ccc"`
	IsSynthetic               bool              `json:"syn,omitempty"`
	RawCommand                string            `json:"pxs,omitempty"`
	FinalExportDestinationURI string            `json:"fedu,omitempty"`
	QueueStorageType          string            `json:"qst,omitempty"`

	AuditBlobPointer             *BlobPointer `json:"ab,omitempty"`
	StatusBlobPointer            *BlobPointer `json:"sb,omitempty"`
	ExportDestinationBlobPointer *BlobPointer `json:"eb,omitempty"`

	// TimeToLive is the remaining lifetime in seconds at write time.
	TimeToLive int64 `json:"ttl,omitempty"`

	// ETag is assigned by the store on every write.
	ETag string `json:"-"`
}

func newCoreDocument(core *CoreRecord) *CoreDocument {
	doc := &CoreDocument{
		ID:                        core.CommandID,
		Subject:                   core.Subject,
		Requester:                 core.Requester,
		Context:                   core.Context,
		CommandType:               int(core.CommandType),
		CreatedTime:               core.CreatedTime.Unix(),
		IsGloballyComplete:        core.IsGloballyComplete,
		TotalCommandCount:         core.TotalCommandCount,
		IngestedCommandCount:      core.IngestedCommandCount,
		CompletedCommandCount:     core.CompletedCommandCount,
		IsSynthetic:               core.IsSynthetic,
		RawCommand:                core.RawCommand,
		FinalExportDestinationURI: core.FinalExportDestinationURI,
		QueueStorageType:          string(core.QueueStorageType),
	}
	if core.CompletedTime != nil {
		doc.CompletedTime = core.CompletedTime.Unix()
	}
	return doc
}

// Record converts the document back into a core record.
func (d *CoreDocument) Record() *CoreRecord {
	core := &CoreRecord{
		CommandID:                 d.ID,
		Subject:                   d.Subject,
		Requester:                 d.Requester,
		Context:                   d.Context,
		CommandType:               privacy.CommandType(d.CommandType),
		CreatedTime:               time.Unix(d.CreatedTime, 0).UTC(),
		IsGloballyComplete:        d.IsGloballyComplete,
		TotalCommandCount:         d.TotalCommandCount,
		IngestedCommandCount:      d.IngestedCommandCount,
		CompletedCommandCount:     d.CompletedCommandCount,
		IsSynthetic:               d.IsSynthetic,
		RawCommand:                d.RawCommand,
		FinalExportDestinationURI: d.FinalExportDestinationURI,
		QueueStorageType:          privacy.QueueStorageType(d.QueueStorageType),
	}
	if d.CompletedTime != 0 {
		t := time.Unix(d.CompletedTime, 0).UTC()
		core.CompletedTime = &t
	}
	return core
}

// hasPointers reports whether all three fragment pointers are set.
func (d *CoreDocument) hasPointers() bool {
	return d.AuditBlobPointer != nil && d.StatusBlobPointer != nil && d.ExportDestinationBlobPointer != nil
}

// timeToLiveSeconds returns the seconds from now until expiry, never less
// than one.
func timeToLiveSeconds(now, expiry time.Time) int64 {
	ttl := int64(expiry.Sub(now) / time.Second)
	if ttl < 1 {
		return 1
	}
	return ttl
}

// AuditDocument is one entry of the audit fragment blob.
type AuditDocument struct {
	AgentID      privacy.AgentID      `json:"ag"`
	AssetGroupID privacy.AssetGroupID `json:"agi"`
	Audit        AuditRecord          `json:"a"`
}

// StatusDocument is one entry of the status fragment blob.
type StatusDocument struct {
	AgentID      privacy.AgentID      `json:"ag"`
	AssetGroupID privacy.AssetGroupID `json:"agi"`
	StatusRecord
}

// ExportDestinationDocument is one entry of the export destination blob.
type ExportDestinationDocument struct {
	AgentID      privacy.AgentID      `json:"ag"`
	AssetGroupID privacy.AssetGroupID `json:"agi"`
	ExportDestinationRecord
}

func sortedKeys[V any](m map[AgentAssetGroup]V) []AgentAssetGroup {
	keys := make([]AgentAssetGroup, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AgentID != keys[j].AgentID {
			return keys[i].AgentID < keys[j].AgentID
		}
		return keys[i].AssetGroupID < keys[j].AssetGroupID
	})
	return keys
}

func auditDocuments(m map[AgentAssetGroup]*AuditRecord) []AuditDocument {
	docs := make([]AuditDocument, 0, len(m))
	for _, k := range sortedKeys(m) {
		doc := AuditDocument{AgentID: k.AgentID, AssetGroupID: k.AssetGroupID}
		if v := m[k]; v != nil {
			doc.Audit = *v
		}
		docs = append(docs, doc)
	}
	return docs
}

func statusDocuments(m map[AgentAssetGroup]*StatusRecord) []StatusDocument {
	docs := make([]StatusDocument, 0, len(m))
	for _, k := range sortedKeys(m) {
		doc := StatusDocument{AgentID: k.AgentID, AssetGroupID: k.AssetGroupID}
		if v := m[k]; v != nil {
			doc.StatusRecord = *v
		}
		docs = append(docs, doc)
	}
	return docs
}

func exportDocuments(m map[AgentAssetGroup]*ExportDestinationRecord) []ExportDestinationDocument {
	docs := make([]ExportDestinationDocument, 0, len(m))
	for _, k := range sortedKeys(m) {
		doc := ExportDestinationDocument{AgentID: k.AgentID, AssetGroupID: k.AssetGroupID}
		if v := m[k]; v != nil {
			doc.ExportDestinationRecord = *v
		}
		docs = append(docs, doc)
	}
	return docs
}

func auditMap(docs []AuditDocument) (map[AgentAssetGroup]*AuditRecord, error) {
	m := make(map[AgentAssetGroup]*AuditRecord, len(docs))
	for i := range docs {
		k := Key(docs[i].AgentID, docs[i].AssetGroupID)
		if _, dup := m[k]; dup {
			return nil, duplicateKeyError(FragmentAudit, k)
		}
		audit := docs[i].Audit
		m[k] = &audit
	}
	return m, nil
}

func statusMap(docs []StatusDocument) (map[AgentAssetGroup]*StatusRecord, error) {
	m := make(map[AgentAssetGroup]*StatusRecord, len(docs))
	for i := range docs {
		k := Key(docs[i].AgentID, docs[i].AssetGroupID)
		if _, dup := m[k]; dup {
			return nil, duplicateKeyError(FragmentStatus, k)
		}
		status := docs[i].StatusRecord
		m[k] = &status
	}
	return m, nil
}

func exportMap(docs []ExportDestinationDocument) (map[AgentAssetGroup]*ExportDestinationRecord, error) {
	m := make(map[AgentAssetGroup]*ExportDestinationRecord, len(docs))
	for i := range docs {
		k := Key(docs[i].AgentID, docs[i].AssetGroupID)
		if _, dup := m[k]; dup {
			return nil, duplicateKeyError(FragmentExportDestinations, k)
		}
		dest := docs[i].ExportDestinationRecord
		m[k] = &dest
	}
	return m, nil
}

func duplicateKeyError(f FragmentTypes, k AgentAssetGroup) error {
	return fmt.Errorf("%w: %s fragment has duplicate entry for agent %s asset group %s",
		ErrDataIntegrity, f, k.AgentID, k.AssetGroupID)
}
