package commandhistory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plaenen/commandhistory/pkg/docquery"
	"github.com/plaenen/commandhistory/pkg/flighting"
	"github.com/plaenen/commandhistory/pkg/observability"
	"github.com/plaenen/commandhistory/pkg/privacy"
)

// DefaultReplayPageSize is the replay page size when none is given.
const DefaultReplayPageSize = 1000

// subjectTypeLiterals are the only values inlined into replay queries.
var subjectTypeLiterals = func() docquery.AllowList {
	values := make([]string, len(privacy.SubjectTypes))
	for i, t := range privacy.SubjectTypes {
		values[i] = string(t)
	}
	return docquery.NewAllowList(values...)
}()

// SubjectQuery selects the commands issued for a subject.
type SubjectQuery struct {
	// Subject matches by puid for MSA subjects and by object id for AAD
	// subjects. Other subject kinds do not filter.
	Subject *privacy.Subject

	// Requester matches the requester id. Empty matches any requester.
	Requester string

	// CommandTypes matches any of the listed types. Empty matches all.
	CommandTypes []privacy.CommandType

	// OldestRecord is the earliest creation time wanted. It is raised to the
	// repository's maximum query age.
	OldestRecord time.Time
}

// QueryBySubject returns every command matching q. It fails with ErrThrottle
// rather than truncating when the match set reaches the fan-out cap.
func (r *Repository) QueryBySubject(ctx context.Context, q SubjectQuery, fragments FragmentTypes) ([]*Record, error) {
	if fragments.IsEmpty() {
		return nil, fmt.Errorf("%w: query must read at least one fragment", ErrInvalidOperation)
	}

	query := r.subjectQuery(q)

	var records []*Record
	err := r.obs.Wrap(ctx, "query_by_subject", observability.CommandAttrs("", fragments.String()), func(ctx context.Context) error {
		var err error
		records, err = r.collect(ctx, fragments, func(ctx context.Context, continuation string) ([]*CoreDocument, string, error) {
			return r.docs.MaxParallelismCrossPartitionQuery(ctx, query, continuation)
		}, r.config.MaxFragmentTasks)
		if errors.Is(err, ErrThrottle) {
			r.logger.WarnContext(ctx, "command history query too large",
				"requester", q.Requester,
				"command_types", q.CommandTypes,
				"oldest_record", q.OldestRecord,
				"fragments", fragments.String(),
			)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// subjectQuery builds the filter for QueryBySubject.
func (r *Repository) subjectQuery(q SubjectQuery) *docquery.Query {
	query := docquery.New()

	if q.Subject != nil {
		switch q.Subject.Type {
		case privacy.SubjectMSA:
			query.Where(docquery.Eq(FieldSubjectPuid, query.Param("puid", q.Subject.Puid)))
		case privacy.SubjectAAD:
			query.Where(docquery.Eq(FieldSubjectObjectID, query.Param("objectId", q.Subject.ObjectID)))
		}
	}

	if q.Requester != "" {
		if pcd := r.pcdAppIDs(); containsFold(pcd, q.Requester) {
			placeholders := make([]docquery.Placeholder, len(pcd))
			for i, appID := range pcd {
				placeholders[i] = query.Param(fmt.Sprintf("requester_%d", i), appID)
			}
			query.Where(docquery.In(FieldRequester, placeholders...))
		} else {
			query.Where(docquery.Eq(FieldRequester, query.Param("requester", q.Requester)))
		}
	}

	types := make([]docquery.Predicate, len(q.CommandTypes))
	for i, t := range q.CommandTypes {
		types[i] = docquery.Eq(FieldCommandType, query.Param(fmt.Sprintf("commandType%d", i), int(t)))
	}
	query.Where(docquery.Or(types...))

	floor := r.now().UTC().AddDate(0, 0, -r.config.MaxAgeInDaysForQuery)
	if q.OldestRecord.After(floor) {
		floor = q.OldestRecord
	}
	query.Where(docquery.Gte(FieldCreatedTime, query.Param("createdTime", floor.Unix())))

	return query
}

// pcdAppIDs returns the configured PCD app ids without blanks or
// case-insensitive duplicates, in configuration order.
func (r *Repository) pcdAppIDs() []string {
	var ids []string
	for _, id := range r.config.PCDAppIDs {
		id = strings.TrimSpace(id)
		if id != "" && !containsFold(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

// PartialIngestionQuery selects commands that were not fully fanned out to
// agents.
type PartialIngestionQuery struct {
	Oldest        time.Time
	Newest        time.Time
	MaxItemCount  int
	ExportOnly    bool
	NonExportOnly bool
	Continuation  string
}

// QueryPartiallyIngested returns one page of incomplete commands whose
// ingested count differs from their total count, read with Core and Status,
// and the continuation for the next page.
func (r *Repository) QueryPartiallyIngested(ctx context.Context, q PartialIngestionQuery) ([]*Record, string, error) {
	query := docquery.New()
	query.Where(docquery.FieldsNe(FieldTotalCommandCount, FieldIngestedCommandCnt))
	query.Where(docquery.Eq(FieldGloballyComplete, query.Param("complete", false)))
	query.Where(docquery.Between(FieldCreatedTime,
		query.Param("oldestRecord", q.Oldest.Unix()),
		query.Param("newestRecord", q.Newest.Unix())))
	if q.ExportOnly {
		query.Where(docquery.Eq(FieldCommandType, query.Param("commandType", int(privacy.CommandTypeExport))))
	} else if q.NonExportOnly {
		query.Where(docquery.Ne(FieldCommandType, query.Param("commandType", int(privacy.CommandTypeExport))))
	}

	var (
		records []*Record
		next    string
	)
	err := r.obs.Wrap(ctx, "query_partially_ingested", nil, func(ctx context.Context) error {
		docs, continuation, err := r.docs.CrossPartitionQuery(ctx, query, q.Continuation, q.MaxItemCount)
		if err != nil {
			return fmt.Errorf("failed to query partially ingested commands: %w", err)
		}
		next = continuation
		records, err = r.readAll(ctx, docs, FragmentCore|FragmentStatus)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return records, next, nil
}

// QueryIncompleteExports returns every export created in [oldest, newest]
// that is not globally complete. aadOnly selects AAD subjects; otherwise
// only non-AAD subjects are returned.
func (r *Repository) QueryIncompleteExports(ctx context.Context, oldest, newest time.Time, aadOnly bool, fragments FragmentTypes) ([]*Record, error) {
	if oldest.After(newest) {
		return nil, fmt.Errorf("%w: oldest record %s must not be after newest record %s", ErrInvalidArgument, oldest, newest)
	}
	if fragments.IsEmpty() {
		return nil, fmt.Errorf("%w: query must read at least one fragment", ErrInvalidOperation)
	}

	query := docquery.New()
	query.Where(docquery.Eq(FieldCommandType, query.Param("commandType", int(privacy.CommandTypeExport))))
	query.Where(docquery.Between(FieldCreatedTime,
		query.Param("oldestRecord", oldest.Unix()),
		query.Param("newestRecord", newest.Unix())))
	query.Where(docquery.Eq(FieldGloballyComplete, query.Param("complete", false)))
	subject := query.Param("subject", string(privacy.SubjectAAD))
	if aadOnly {
		query.Where(docquery.Eq(FieldSubjectType, subject))
	} else {
		query.Where(docquery.Ne(FieldSubjectType, subject))
	}

	var records []*Record
	err := r.obs.Wrap(ctx, "query_incomplete_exports", observability.CommandAttrs("", fragments.String()), func(ctx context.Context) error {
		var err error
		records, err = r.collect(ctx, fragments, func(ctx context.Context, continuation string) ([]*CoreDocument, string, error) {
			return r.docs.CrossPartitionQuery(ctx, query, continuation, r.config.PageSize)
		}, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ReplayQuery selects raw commands to replay to agents.
type ReplayQuery struct {
	// Start is inclusive and End exclusive.
	Start time.Time
	End   time.Time

	// SubjectType restricts the subject kind. Empty replays all kinds.
	SubjectType privacy.SubjectType

	// IncludeExports replays export commands too, when the
	// EnableExportCommandReplay flight is on.
	IncludeExports bool

	Continuation string
	MaxItemCount int
}

// CommandsForReplay returns one page of stored raw commands and the
// continuation for the next page.
func (r *Repository) CommandsForReplay(ctx context.Context, q ReplayQuery) ([]string, string, error) {
	query := docquery.New()
	if !q.IncludeExports || !r.flights.IsEnabled(ctx, flighting.EnableExportCommandReplay, nil) {
		query.Where(docquery.Ne(FieldCommandType, query.Param("exportType", int(privacy.CommandTypeExport))))
	}
	query.Where(docquery.Gte(FieldCreatedTime, query.Param("startTime", q.Start.Unix())))
	query.Where(docquery.Lt(FieldCreatedTime, query.Param("endTime", q.End.Unix())))
	if q.SubjectType != "" {
		lit, err := subjectTypeLiterals.Literal(string(q.SubjectType))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		query.Where(docquery.EqLiteral(FieldSubjectType, lit))
	}

	pageSize := q.MaxItemCount
	if pageSize <= 0 {
		pageSize = DefaultReplayPageSize
	}

	var (
		commands []string
		next     string
	)
	err := r.obs.Wrap(ctx, "commands_for_replay", nil, func(ctx context.Context) error {
		docs, continuation, err := r.docs.CrossPartitionQuery(ctx, query, q.Continuation, pageSize)
		if err != nil {
			return fmt.Errorf("failed to query commands for replay: %w", err)
		}
		next = continuation
		commands = make([]string, 0, len(docs))
		for _, doc := range docs {
			commands = append(commands, doc.RawCommand)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return commands, next, nil
}

type pageFunc func(ctx context.Context, continuation string) ([]*CoreDocument, string, error)

// collect pages through a query and reads the fragments of every match.
// Pages are fetched in sequence while the records of earlier pages are read
// concurrently. A positive limit fails the scan with ErrThrottle once that
// many records have been scheduled.
func (r *Repository) collect(ctx context.Context, fragments FragmentTypes, page pageFunc, limit int) ([]*Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.FragmentReadParallelism)

	var (
		pages        [][]*Record
		scheduled    int
		continuation string
	)
	for {
		docs, next, err := page(gctx, continuation)
		if err != nil {
			// A failed fragment read cancels gctx and is the root cause.
			readFailed := gctx.Err() != nil
			cancel()
			if werr := g.Wait(); readFailed && werr != nil {
				return nil, werr
			}
			return nil, fmt.Errorf("failed to query core documents: %w", err)
		}

		results := make([]*Record, len(docs))
		pages = append(pages, results)
		for i, doc := range docs {
			g.Go(func() error {
				rec, err := r.queryFragments(gctx, doc, fragments)
				if err != nil {
					return err
				}
				results[i] = rec
				return nil
			})
		}

		scheduled += len(docs)
		if limit > 0 && scheduled >= limit {
			cancel()
			_ = g.Wait()
			return nil, fmt.Errorf("%w: query matched at least %d commands", ErrThrottle, scheduled)
		}

		continuation = next
		if continuation == "" {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]*Record, 0, scheduled)
	for _, p := range pages {
		records = append(records, p...)
	}
	return records, nil
}

// readAll reads the fragments of every document concurrently.
func (r *Repository) readAll(ctx context.Context, docs []*CoreDocument, fragments FragmentTypes) ([]*Record, error) {
	records := make([]*Record, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.FragmentReadParallelism)
	for i, doc := range docs {
		g.Go(func() error {
			rec, err := r.queryFragments(gctx, doc, fragments)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}
