// Package commandhistory is the cold storage of privacy commands. A command
// is stored as a core document plus three fragment blobs (audit, status and
// export destinations). The Repository reads any subset of fragments and
// writes back exactly the fragments a caller read and changed, each guarded
// by its own version check.
package commandhistory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plaenen/commandhistory/pkg/flighting"
	"github.com/plaenen/commandhistory/pkg/observability"
	"github.com/plaenen/commandhistory/pkg/privacy"
)

// Config holds the tunables of a Repository.
type Config struct {
	// DefaultTimeToLiveDays is how long a command is retained after its
	// creation time.
	DefaultTimeToLiveDays int

	// MaxAgeInDaysForQuery bounds how far back subject queries look,
	// whatever the caller asks for.
	MaxAgeInDaysForQuery int

	// PCDAppIDs are requester ids that are treated as one requester.
	PCDAppIDs []string

	// MaxFragmentTasks caps the records a single subject query may fan out to.
	MaxFragmentTasks int

	// PageSize is the page size for scans that page internally.
	PageSize int

	// FragmentReadParallelism limits concurrent record reads per scan.
	FragmentReadParallelism int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeToLiveDays:   90,
		MaxAgeInDaysForQuery:    30,
		MaxFragmentTasks:        5000,
		PageSize:                100,
		FragmentReadParallelism: 32,
	}
}

// Option configures a Repository.
type Option func(*options)

type options struct {
	config    Config
	logger    *slog.Logger
	telemetry *observability.Telemetry
	flights   flighting.Checker
	queues    QueueFactory
	now       func() time.Time
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry sets the tracing and metrics stack.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// WithFlights sets the flight checker. Without one every flight is off.
func WithFlights(flights flighting.Checker) Option {
	return func(o *options) {
		o.flights = flights
	}
}

// WithQueueFactory enables export destination backfill from agent queues.
func WithQueueFactory(queues QueueFactory) Option {
	return func(o *options) {
		o.queues = queues
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Repository is the command history store.
type Repository struct {
	docs    DocumentClient
	blobs   BlobClient
	queues  QueueFactory
	flights flighting.Checker
	config  Config
	logger  *slog.Logger
	obs     *observability.RepositoryMiddleware
	now     func() time.Time
}

// NewRepository creates a repository over the given stores.
func NewRepository(docs DocumentClient, blobs BlobClient, opts ...Option) (*Repository, error) {
	if docs == nil || blobs == nil {
		return nil, fmt.Errorf("%w: document and blob clients are required", ErrInvalidArgument)
	}

	o := options{
		config:  DefaultConfig(),
		logger:  slog.Default(),
		flights: flighting.Static{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.config.DefaultTimeToLiveDays <= 0 || o.config.MaxAgeInDaysForQuery <= 0 {
		return nil, fmt.Errorf("%w: retention and query age must be positive", ErrInvalidArgument)
	}
	if o.config.MaxFragmentTasks <= 0 {
		o.config.MaxFragmentTasks = DefaultConfig().MaxFragmentTasks
	}
	if o.config.PageSize <= 0 {
		o.config.PageSize = DefaultConfig().PageSize
	}
	if o.config.FragmentReadParallelism <= 0 {
		o.config.FragmentReadParallelism = DefaultConfig().FragmentReadParallelism
	}

	return &Repository{
		docs:    docs,
		blobs:   blobs,
		queues:  o.queues,
		flights: o.flights,
		config:  o.config,
		logger:  o.logger.With("component", "commandhistory"),
		obs:     observability.NewRepositoryMiddleware(o.telemetry, observability.ClassifyWith(ErrConflict, ErrThrottle)),
		now:     o.now,
	}, nil
}

// Query reads one command. It returns nil and no error if the command does
// not exist. Fragments not requested are left nil on the record.
func (r *Repository) Query(ctx context.Context, id privacy.CommandID, fragments FragmentTypes) (*Record, error) {
	if fragments.IsEmpty() {
		return nil, fmt.Errorf("%w: query must read at least one fragment", ErrInvalidOperation)
	}

	var rec *Record
	err := r.obs.Wrap(ctx, "query", observability.CommandAttrs(string(id), fragments.String()), func(ctx context.Context) error {
		doc, err := r.docs.PointQuery(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read core document %s: %w", id, err)
		}
		rec, err = r.queryFragments(ctx, doc, fragments)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// queryFragments reads the requested fragment blobs of doc concurrently and
// composes the record and its operation context.
func (r *Repository) queryFragments(ctx context.Context, doc *CoreDocument, fragments FragmentTypes) (*Record, error) {
	if doc == nil {
		return nil, nil
	}

	if !fragments.Intersect(FragmentAudit|FragmentStatus|FragmentExportDestinations).IsEmpty() && !doc.hasPointers() {
		return nil, fmt.Errorf("%w: command %s has no fragment pointers", ErrDataIntegrity, doc.ID)
	}

	var (
		auditDocs  []AuditDocument
		statusDocs []StatusDocument
		exportDocs []ExportDestinationDocument
		versions   = make(map[FragmentTypes]string, len(blobFragments))
		read       []string
	)

	targets := map[FragmentTypes]struct {
		ptr *BlobPointer
		out any
	}{
		FragmentAudit:              {doc.AuditBlobPointer, &auditDocs},
		FragmentStatus:             {doc.StatusBlobPointer, &statusDocs},
		FragmentExportDestinations: {doc.ExportDestinationBlobPointer, &exportDocs},
	}

	results := make([]string, len(blobFragments))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range blobFragments {
		if !fragments.Has(f) {
			continue
		}
		t := targets[f]
		read = append(read, f.String())
		g.Go(func() error {
			version, err := r.blobs.ReadBlob(gctx, *t.ptr, t.out)
			if err != nil {
				return fmt.Errorf("failed to read %s fragment of %s at %s: %w", f, doc.ID, t.ptr, err)
			}
			results[i] = version
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, f := range blobFragments {
		if fragments.Has(f) {
			versions[f] = results[i]
		}
	}
	r.obs.Telemetry().Metrics.RecordFragments(ctx, "read", read)

	rec := &Record{
		CommandID: doc.ID,
		Core:      doc.Record(),
	}

	var err error
	if fragments.Has(FragmentAudit) {
		if rec.AuditMap, err = auditMap(auditDocs); err != nil {
			return nil, err
		}
	}
	if fragments.Has(FragmentStatus) {
		if rec.StatusMap, err = statusMap(statusDocs); err != nil {
			return nil, err
		}
	}
	if fragments.Has(FragmentExportDestinations) {
		if rec.ExportDestinations, err = exportMap(exportDocs); err != nil {
			return nil, err
		}
	}

	oc := &OperationContext{
		owner:     r,
		commandID: doc.ID,
		read:      fragments,
		coreETag:  doc.ETag,
		blobs:     make(map[FragmentTypes]blobVersion, len(blobFragments)),
	}
	for _, f := range blobFragments {
		oc.blobs[f] = blobVersion{pointer: targets[f].ptr, version: versions[f]}
	}
	rec.markRead(oc)

	return rec, nil
}

// Replace writes back the fragments of rec that the caller changed. rec must
// come from a read by this repository, fragments must equal
// rec.ChangedFragments() and must have been read. All checks happen before
// any write. Each fragment is written conditionally on the version that was
// read; a lost race fails with ErrConflict. Errors from all fragment writes
// are joined.
func (r *Repository) Replace(ctx context.Context, rec *Record, fragments FragmentTypes) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	oc := rec.readContext
	if oc == nil || oc.owner != r {
		return fmt.Errorf("%w: operation context was not issued by this repository", ErrInvalidArgument)
	}
	if oc.commandID != rec.CommandID {
		return fmt.Errorf("%w: operation context issued for command %s, record is %s", ErrInvalidArgument, oc.commandID, rec.CommandID)
	}
	if fragments.IsEmpty() {
		return &ContractError{Reason: "replace must write at least one fragment", Read: oc.read, Declared: fragments}
	}
	changed := rec.ChangedFragments()
	if changed != fragments {
		return &ContractError{Reason: "changed fragments differ from declared fragments", Read: oc.read, Changed: changed, Declared: fragments}
	}
	if !fragments.IsSubsetOf(oc.read) {
		return &ContractError{Reason: "cannot write fragments that were not read", Read: oc.read, Changed: changed, Declared: fragments}
	}
	if err := r.checkWritable(rec, fragments); err != nil {
		return err
	}
	if !oc.consumed.CompareAndSwap(false, true) {
		return &ContractError{Reason: "operation context already used", Read: oc.read, Changed: changed, Declared: fragments}
	}

	return r.obs.Wrap(ctx, "replace", observability.CommandAttrs(string(rec.CommandID), fragments.String()), func(ctx context.Context) error {
		errs := make([]error, len(blobFragments)+1)
		var written []string
		var g errgroup.Group

		if fragments.Has(FragmentCore) {
			written = append(written, FragmentCore.String())
			g.Go(func() error {
				doc := r.coreDocument(rec.Core)
				doc.AuditBlobPointer = oc.blobPointer(FragmentAudit)
				doc.StatusBlobPointer = oc.blobPointer(FragmentStatus)
				doc.ExportDestinationBlobPointer = oc.blobPointer(FragmentExportDestinations)
				if err := r.docs.Replace(ctx, doc, oc.coreETag); err != nil {
					errs[0] = fmt.Errorf("failed to replace core document of %s: %w", rec.CommandID, err)
				}
				return nil
			})
		}

		for i, f := range blobFragments {
			if !fragments.Has(f) {
				continue
			}
			written = append(written, f.String())
			g.Go(func() error {
				bv := oc.blobs[f]
				if err := r.blobs.ReplaceBlob(ctx, *bv.pointer, fragmentPayload(rec, f), bv.version); err != nil {
					errs[i+1] = fmt.Errorf("failed to replace %s fragment of %s: %w", f, rec.CommandID, err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := errors.Join(errs...); err != nil {
			r.logger.WarnContext(ctx, "replace failed", append([]any{
				"command_id", rec.CommandID,
				"fragments", fragments.String(),
				"error", err,
			}, observability.LogAttrs(ctx)...)...)
			return err
		}
		r.obs.Telemetry().Metrics.RecordFragments(ctx, "write", written)
		return nil
	})
}

// checkWritable rejects writes of fragments that cannot be serialized: a
// cleared map, a cleared core or a blob without a pointer.
func (r *Repository) checkWritable(rec *Record, fragments FragmentTypes) error {
	oc := rec.readContext
	if fragments.Has(FragmentCore) {
		if rec.Core == nil {
			return fmt.Errorf("%w: cannot write a nil core", ErrInvalidArgument)
		}
		if rec.Core.CommandID != rec.CommandID {
			return fmt.Errorf("%w: core command id %s does not match record %s", ErrInvalidArgument, rec.Core.CommandID, rec.CommandID)
		}
	}
	for _, f := range blobFragments {
		if !fragments.Has(f) {
			continue
		}
		if fragmentPayload(rec, f) == nil {
			return fmt.Errorf("%w: cannot write a nil %s fragment", ErrInvalidArgument, f)
		}
		if oc.blobPointer(f) == nil {
			return fmt.Errorf("%w: command %s has no %s pointer", ErrDataIntegrity, rec.CommandID, f)
		}
	}
	return nil
}

// TryInsert stores a new command. rec must be a fresh record with core and
// all fragment maps set. The fragment blobs are written first and the core
// document last, so a command becomes visible only once it is complete. It
// returns false if the command already exists.
func (r *Repository) TryInsert(ctx context.Context, rec *Record) (bool, error) {
	if rec == nil || rec.Core == nil || rec.AuditMap == nil || rec.StatusMap == nil || rec.ExportDestinations == nil {
		return false, fmt.Errorf("%w: insert must specify all record components", ErrInvalidOperation)
	}
	if rec.readContext != nil {
		return false, fmt.Errorf("%w: insert must use a record that has not been read", ErrInvalidOperation)
	}
	if rec.CommandID == "" || rec.Core.CommandID != rec.CommandID {
		return false, fmt.Errorf("%w: record command id %q does not match core %q", ErrInvalidArgument, rec.CommandID, rec.Core.CommandID)
	}

	inserted := false
	err := r.obs.Wrap(ctx, "insert", observability.CommandAttrs(string(rec.CommandID), FragmentAll.String()), func(ctx context.Context) error {
		pointers := make([]BlobPointer, len(blobFragments))
		g, gctx := errgroup.WithContext(ctx)
		for i, f := range blobFragments {
			payload := fragmentPayload(rec, f)
			g.Go(func() error {
				ptr, err := r.blobs.CreateBlob(gctx, payload)
				if err != nil {
					return fmt.Errorf("failed to create %s fragment of %s: %w", f, rec.CommandID, err)
				}
				pointers[i] = ptr
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		doc := r.coreDocument(rec.Core)
		doc.AuditBlobPointer = &pointers[0]
		doc.StatusBlobPointer = &pointers[1]
		doc.ExportDestinationBlobPointer = &pointers[2]

		err := r.docs.Insert(ctx, doc)
		if errors.Is(err, ErrConflict) {
			r.logger.InfoContext(ctx, "command already exists", "command_id", rec.CommandID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert core document of %s: %w", rec.CommandID, err)
		}
		inserted = true
		r.obs.Telemetry().Metrics.RecordFragments(ctx, "write", []string{
			FragmentCore.String(), FragmentAudit.String(), FragmentStatus.String(), FragmentExportDestinations.String(),
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// coreDocument converts core into its stored form with a time to live
// measured from the command's creation.
func (r *Repository) coreDocument(core *CoreRecord) *CoreDocument {
	doc := newCoreDocument(core)
	expiry := core.CreatedTime.AddDate(0, 0, r.config.DefaultTimeToLiveDays)
	doc.TimeToLive = timeToLiveSeconds(r.now(), expiry)
	return doc
}

// fragmentPayload returns the serializable form of one fragment of rec, or
// nil if its map is nil.
func fragmentPayload(rec *Record, f FragmentTypes) any {
	switch f {
	case FragmentAudit:
		if rec.AuditMap != nil {
			return auditDocuments(rec.AuditMap)
		}
	case FragmentStatus:
		if rec.StatusMap != nil {
			return statusDocuments(rec.StatusMap)
		}
	case FragmentExportDestinations:
		if rec.ExportDestinations != nil {
			return exportDocuments(rec.ExportDestinations)
		}
	}
	return nil
}
