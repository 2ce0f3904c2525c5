// Package docstore is a SQLite document store for core documents. Each
// document is kept as JSON so that docquery filters can be rendered against
// its short keys with json_extract.
package docstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/docquery"
	"github.com/plaenen/commandhistory/pkg/docstore/migrate"
	"github.com/plaenen/commandhistory/pkg/idgen"
	"github.com/plaenen/commandhistory/pkg/privacy"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Parameter names reserved for paging. Queries must not bind them.
const (
	paramNow   = "docstoreNow"
	paramAfter = "docstoreAfter"
	paramLimit = "docstoreLimit"
)

// Store implements commandhistory.DocumentClient on SQLite.
type Store struct {
	db      *sql.DB
	readers []*sql.DB
	config  storeConfig
	logger  *slog.Logger
}

var _ commandhistory.DocumentClient = (*Store)(nil)

type storeConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	pageSize     int
	busyRetries  uint64
	replicas     []string
	retention    time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "commandhistory.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		pageSize:     1000,
		busyRetries:  5,
		retention:    90 * 24 * time.Hour,
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) {
		c.maxOpenConns = n
	}
}

// WithWALMode enables write-ahead logging. It has no effect on :memory:.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations when the store is opened.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) {
		c.autoMigrate = enabled
	}
}

// WithPageSize sets the page size used by MaxParallelismCrossPartitionQuery.
func WithPageSize(n int) Option {
	return func(c *storeConfig) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithBusyRetries sets how often a statement is retried while the database
// is locked before the store reports commandhistory.ErrThrottle.
func WithBusyRetries(n uint64) Option {
	return func(c *storeConfig) {
		c.busyRetries = n
	}
}

// WithReadReplicas adds read-only databases that serve point and
// cross-partition queries. Their preference order is shuffled once per
// Initialize.
func WithReadReplicas(dsns ...string) Option {
	return func(c *storeConfig) {
		c.replicas = append(c.replicas, dsns...)
	}
}

// WithRetentionDays sets the lifetime of documents written without a time
// to live.
func WithRetentionDays(days int) Option {
	return func(c *storeConfig) {
		if days > 0 {
			c.retention = time.Duration(days) * 24 * time.Hour
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now. Expiry is evaluated against this clock.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// Open opens the database and, unless disabled, migrates it.
//
//	// In-memory database for tests
//	store, err := docstore.Open(ctx, docstore.WithMemoryDatabase())
//
//	// File database with a small page size
//	store, err := docstore.Open(ctx,
//	    docstore.WithDSN("/var/lib/commandhistory/core.db"),
//	    docstore.WithPageSize(200),
//	)
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	config := defaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: gets its own database.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, config: config, logger: config.logger.With("component", "docstore")}

	if config.walMode && config.dsn != ":memory:" {
		if _, err := db.ExecContext(ctx, `
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA busy_timeout = 1000;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if err := s.Initialize(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Initialize migrates the schema when auto-migrate is on and opens the read
// replicas in random preference order.
func (s *Store) Initialize(ctx context.Context) error {
	if s.config.autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return err
		}
	}

	for _, r := range s.readers {
		r.Close()
	}
	s.readers = s.readers[:0]
	for _, dsn := range s.config.replicas {
		r, err := sql.Open("sqlite", dsn)
		if err != nil {
			return fmt.Errorf("failed to open read replica: %w", err)
		}
		if err := r.PingContext(ctx); err != nil {
			r.Close()
			return fmt.Errorf("failed to reach read replica: %w", err)
		}
		s.readers = append(s.readers, r)
	}
	rand.Shuffle(len(s.readers), func(i, j int) {
		s.readers[i], s.readers[j] = s.readers[j], s.readers[i]
	})

	s.logger.InfoContext(ctx, "document store initialized",
		"read_replicas", len(s.readers),
		"retention", s.config.retention.String())
	return nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	m := migrate.New(s.db, "schema_migrations")
	if err := m.LoadFromFS(migrationFS, "migrations"); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database and any read replicas.
func (s *Store) Close() error {
	errs := make([]error, 0, len(s.readers)+1)
	for _, r := range s.readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// reader returns the preferred read handle.
func (s *Store) reader() *sql.DB {
	if len(s.readers) > 0 {
		return s.readers[0]
	}
	return s.db
}

// PointQuery returns the live document for id, or nil.
func (s *Store) PointQuery(ctx context.Context, id privacy.CommandID) (*commandhistory.CoreDocument, error) {
	var (
		etag string
		body string
	)
	err := s.retry(ctx, func() error {
		return s.reader().QueryRowContext(ctx,
			`SELECT etag, doc FROM core_documents WHERE id = @id AND expires_at > @now`,
			sql.Named("id", string(id)),
			sql.Named("now", s.config.now().Unix()),
		).Scan(&etag, &body)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	return decode(etag, body)
}

// CrossPartitionQuery returns one page of documents matching q, in id order.
func (s *Store) CrossPartitionQuery(ctx context.Context, q *docquery.Query, continuation string, maxItemCount int) ([]*commandhistory.CoreDocument, string, error) {
	if maxItemCount <= 0 {
		return nil, "", fmt.Errorf("%w: max item count must be positive", commandhistory.ErrInvalidArgument)
	}
	for _, reserved := range []string{paramNow, paramAfter, paramLimit} {
		if _, ok := q.Lookup(reserved); ok {
			return nil, "", fmt.Errorf("%w: parameter %q is reserved", commandhistory.ErrInvalidArgument, reserved)
		}
	}
	after, err := decodeContinuation(continuation)
	if err != nil {
		return nil, "", err
	}

	text := `SELECT id, etag, doc FROM core_documents WHERE expires_at > @` + paramNow + ` AND id > @` + paramAfter
	if filter := q.Filter(Renderer{}); filter != "" {
		text += " AND (" + filter + ")"
	}
	text += ` ORDER BY id LIMIT @` + paramLimit

	args := make([]any, 0, len(q.Params())+3)
	for _, p := range q.Params() {
		args = append(args, sql.Named(p.Name, p.Value))
	}
	// One extra row tells whether another page exists.
	args = append(args,
		sql.Named(paramNow, s.config.now().Unix()),
		sql.Named(paramAfter, after),
		sql.Named(paramLimit, maxItemCount+1),
	)

	var docs []*commandhistory.CoreDocument
	err = s.retry(ctx, func() error {
		docs = docs[:0]
		rows, err := s.reader().QueryContext(ctx, text, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, etag, body string
			if err := rows.Scan(&id, &etag, &body); err != nil {
				return err
			}
			doc, err := decode(etag, body)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to query documents: %w", err)
	}

	if len(docs) <= maxItemCount {
		return docs, "", nil
	}
	docs = docs[:maxItemCount]
	return docs, encodeContinuation(string(docs[len(docs)-1].ID)), nil
}

// MaxParallelismCrossPartitionQuery pages with the store's configured page
// size.
func (s *Store) MaxParallelismCrossPartitionQuery(ctx context.Context, q *docquery.Query, continuation string) ([]*commandhistory.CoreDocument, string, error) {
	return s.CrossPartitionQuery(ctx, q, continuation, s.config.pageSize)
}

// Insert stores a new document and assigns its etag.
func (s *Store) Insert(ctx context.Context, doc *commandhistory.CoreDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", doc.ID, err)
	}
	etag := idgen.Version()

	err = s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO core_documents (id, etag, doc, expires_at) VALUES (@id, @etag, @doc, @expiresAt)`,
			sql.Named("id", string(doc.ID)),
			sql.Named("etag", etag),
			sql.Named("doc", string(body)),
			sql.Named("expiresAt", s.expiresAt(doc)),
		)
		return err
	})
	if isConstraint(err) {
		return fmt.Errorf("%w: document %s already exists", commandhistory.ErrConflict, doc.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", doc.ID, err)
	}
	doc.ETag = etag
	return nil
}

// Replace overwrites doc if the stored etag still equals etag.
func (s *Store) Replace(ctx context.Context, doc *commandhistory.CoreDocument, etag string) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", doc.ID, err)
	}
	next := idgen.Version()

	var affected int64
	err = s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE core_documents SET etag = @next, doc = @doc, expires_at = @expiresAt
			 WHERE id = @id AND etag = @etag AND expires_at > @now`,
			sql.Named("next", next),
			sql.Named("doc", string(body)),
			sql.Named("expiresAt", s.expiresAt(doc)),
			sql.Named("id", string(doc.ID)),
			sql.Named("etag", etag),
			sql.Named("now", s.config.now().Unix()),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replace document %s: %w", doc.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: document %s changed since etag %s", commandhistory.ErrConflict, doc.ID, etag)
	}
	doc.ETag = next
	return nil
}

// DeleteExpired removes documents whose time to live has elapsed and returns
// how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	var removed int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM core_documents WHERE expires_at <= @now`,
			sql.Named("now", s.config.now().Unix()),
		)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired documents: %w", err)
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "expired documents deleted", "count", removed)
	}
	return removed, nil
}

// Count returns the number of live documents.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM core_documents WHERE expires_at > @now`,
		sql.Named("now", s.config.now().Unix()),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// expiresAt returns the unix second at which doc stops being visible.
// Documents without a time to live get the retention period.
func (s *Store) expiresAt(doc *commandhistory.CoreDocument) int64 {
	now := s.config.now()
	if doc.TimeToLive <= 0 {
		return now.Add(s.config.retention).Unix()
	}
	return now.Unix() + doc.TimeToLive
}

// retry runs op until it succeeds, fails with an error other than a busy
// database, or runs out of attempts. A database that stays busy surfaces as
// commandhistory.ErrThrottle.
func (s *Store) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	b := backoff.WithContext(backoff.WithMaxRetries(policy, s.config.busyRetries), ctx)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if isBusy(err) {
		s.logger.WarnContext(ctx, "database busy", "error", err)
		return fmt.Errorf("%w: %v", commandhistory.ErrThrottle, err)
	}
	return err
}

func decode(etag, body string) (*commandhistory.CoreDocument, error) {
	var doc commandhistory.CoreDocument
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed document: %v", commandhistory.ErrDataIntegrity, err)
	}
	doc.ETag = etag
	return &doc, nil
}

type continuationToken struct {
	After string `json:"after"`
}

func encodeContinuation(after string) string {
	raw, _ := json.Marshal(continuationToken{After: after})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeContinuation(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: malformed continuation: %v", commandhistory.ErrInvalidArgument, err)
	}
	var t continuationToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", fmt.Errorf("%w: malformed continuation: %v", commandhistory.ErrInvalidArgument, err)
	}
	return t.After, nil
}

func sqliteCode(err error) (int, bool) {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return 0, false
	}
	return serr.Code() & 0xff, true
}

func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED)
}

func isConstraint(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT
}
