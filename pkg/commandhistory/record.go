package commandhistory

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"

	"github.com/plaenen/commandhistory/pkg/privacy"
)

// Record is the composed, in-memory view of one command: the core fields plus
// the three fragment maps. A nil map means the fragment was not read, which
// is distinct from an empty map.
type Record struct {
	CommandID          privacy.CommandID
	Core               *CoreRecord
	AuditMap           map[AgentAssetGroup]*AuditRecord
	StatusMap          map[AgentAssetGroup]*StatusRecord
	ExportDestinations map[AgentAssetGroup]*ExportDestinationRecord

	readContext *OperationContext
	baseline    fingerprints
}

// NewRecord returns a record suitable for TryInsert: it has never been read
// and all fragment maps are present and empty.
func NewRecord(core *CoreRecord) *Record {
	r := &Record{
		Core:               core,
		AuditMap:           make(map[AgentAssetGroup]*AuditRecord),
		StatusMap:          make(map[AgentAssetGroup]*StatusRecord),
		ExportDestinations: make(map[AgentAssetGroup]*ExportDestinationRecord),
	}
	if core != nil {
		r.CommandID = core.CommandID
	}
	return r
}

// ReadContext returns the context of the read that produced r, or nil if r
// was built by the caller.
func (r *Record) ReadContext() *OperationContext {
	return r.readContext
}

// ChangedFragments reports which fragments differ from their state when the
// record was read. A fragment that was not read counts as changed as soon as
// it is assigned.
func (r *Record) ChangedFragments() FragmentTypes {
	current := r.fingerprint()
	changed := FragmentNone
	if current.core != r.baseline.core {
		changed |= FragmentCore
	}
	if current.audit != r.baseline.audit {
		changed |= FragmentAudit
	}
	if current.status != r.baseline.status {
		changed |= FragmentStatus
	}
	if current.export != r.baseline.export {
		changed |= FragmentExportDestinations
	}
	return changed
}

// fingerprints are hashes of the canonical serialization of each fragment.
// Zero means absent.
type fingerprints struct {
	core, audit, status, export uint64
}

func (r *Record) fingerprint() fingerprints {
	var fp fingerprints
	if r.Core != nil {
		fp.core = sum(r.Core)
	}
	if r.AuditMap != nil {
		fp.audit = sum(auditDocuments(r.AuditMap))
	}
	if r.StatusMap != nil {
		fp.status = sum(statusDocuments(r.StatusMap))
	}
	if r.ExportDestinations != nil {
		fp.export = sum(exportDocuments(r.ExportDestinations))
	}
	return fp
}

// markRead binds r to the context that produced it and snapshots the
// current state as unchanged.
func (r *Record) markRead(oc *OperationContext) {
	r.readContext = oc
	r.baseline = r.fingerprint()
}

func sum(v any) uint64 {
	// Records hold only strings, numbers, bools and times, all of which
	// marshal without error.
	data, _ := json.Marshal(v)
	h := xxhash.Sum64(data)
	if h == 0 {
		h = 1
	}
	return h
}
