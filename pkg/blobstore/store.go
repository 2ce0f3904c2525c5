// Package blobstore stores command history fragments as compressed JSON
// blobs spread over several storage accounts. Each account is a gocloud
// bucket; containers are date-scoped key prefixes inside it.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/plaenen/commandhistory/pkg/codec"
	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/flighting"
	"github.com/plaenen/commandhistory/pkg/idgen"
	"github.com/plaenen/commandhistory/pkg/observability"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Metadata keys stamped on every fragment blob.
const (
	MetadataCompression = "compression"
	MetadataVersion     = "version"
)

const (
	defaultContainerPrefix = "commandhistory"
	defaultRetentionDays   = 90
	defaultPurgeTimeout    = 10 * time.Minute
	createAttempts         = 3
	stableReadAttempts     = 3
)

// Account is one storage account backing the store.
type Account struct {
	Name   string
	Bucket *blob.Bucket
}

// OpenAccount opens the bucket at url as the account name. Any registered
// gocloud driver URL works, for example "mem://" or "file:///var/lib/blobs".
func OpenAccount(ctx context.Context, name, url string) (Account, error) {
	if name == "" {
		return Account{}, fmt.Errorf("%w: account name is required", commandhistory.ErrInvalidArgument)
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return Account{}, fmt.Errorf("failed to open account %s: %w", name, err)
	}
	return Account{Name: name, Bucket: bucket}, nil
}

// Store implements commandhistory.BlobClient.
type Store struct {
	accounts []Account
	byName   map[string]*blob.Bucket

	prefix        string
	retentionDays int
	purgeTimeout  time.Duration
	containers    ContainerCache
	flights       flighting.Checker
	telemetry     *observability.Telemetry
	logger        *slog.Logger
	now           func() time.Time
	intn          func(n int) int

	locks      stripedLock
	purgeOnce  sync.Once
	background sync.WaitGroup
}

var _ commandhistory.BlobClient = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithContainerPrefix sets the prefix of the date-scoped container names.
func WithContainerPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetentionDays sets the document retention. Containers are purged five
// days after it lapses.
func WithRetentionDays(days int) Option {
	return func(s *Store) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithPurgeTimeout bounds the background purge started by the first
// container creation.
func WithPurgeTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.purgeTimeout = d
		}
	}
}

// WithContainerCache shares a container cache between stores.
func WithContainerCache(c ContainerCache) Option {
	return func(s *Store) {
		if c != nil {
			s.containers = c
		}
	}
}

// WithFlights sets the flight checker used to take accounts out of
// rotation.
func WithFlights(f flighting.Checker) Option {
	return func(s *Store) {
		if f != nil {
			s.flights = f
		}
	}
}

// WithTelemetry records purge spans and metrics.
func WithTelemetry(t *observability.Telemetry) Option {
	return func(s *Store) {
		if t != nil {
			s.telemetry = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now for container naming and purging.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a store over accounts. Account names must be unique.
func New(accounts []Account, opts ...Option) (*Store, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: at least one account is required", commandhistory.ErrInvalidArgument)
	}

	s := &Store{
		byName:        make(map[string]*blob.Bucket, len(accounts)),
		prefix:        defaultContainerPrefix,
		retentionDays: defaultRetentionDays,
		purgeTimeout:  defaultPurgeTimeout,
		containers:    NewContainerCache(),
		flights:       flighting.Static{},
		telemetry:     observability.Disabled(),
		logger:        slog.Default(),
		now:           time.Now,
		intn:          rand.IntN,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "blobstore")

	for _, a := range accounts {
		if a.Name == "" || a.Bucket == nil {
			return nil, fmt.Errorf("%w: account needs a name and a bucket", commandhistory.ErrInvalidArgument)
		}
		if _, dup := s.byName[a.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate account %s", commandhistory.ErrInvalidArgument, a.Name)
		}
		s.byName[a.Name] = a.Bucket
		s.accounts = append(s.accounts, a)
	}
	return s, nil
}

// Close waits for background work and closes every bucket.
func (s *Store) Close() error {
	s.background.Wait()
	var errs []error
	for _, a := range s.accounts {
		if err := a.Bucket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close account %s: %w", a.Name, err))
		}
	}
	return errors.Join(errs...)
}

// CreateBlob writes v to a new blob in today's container of an enabled
// account.
func (s *Store) CreateBlob(ctx context.Context, v any) (commandhistory.BlobPointer, error) {
	account, err := s.selectAccount(ctx)
	if err != nil {
		return commandhistory.BlobPointer{}, err
	}

	container := s.containerName(s.now())
	if err := s.ensureContainer(ctx, account, container); err != nil {
		return commandhistory.BlobPointer{}, err
	}

	payload, err := encode(v)
	if err != nil {
		return commandhistory.BlobPointer{}, err
	}

	for attempt := 1; ; attempt++ {
		ptr := commandhistory.BlobPointer{
			AccountName:   account.Name,
			ContainerName: container,
			BlobName:      idgen.BlobName(),
		}
		err := account.Bucket.WriteAll(ctx, blobKey(ptr), payload, writerOptions(true))
		if err == nil {
			return ptr, nil
		}
		// A precondition failure means the random name is already taken.
		if gcerrors.Code(err) != gcerrors.FailedPrecondition || attempt == createAttempts {
			return commandhistory.BlobPointer{}, mapError(err, "create blob "+ptr.String())
		}
		s.logger.WarnContext(ctx, "blob name collision", "blob", ptr.String(), "attempt", attempt)
	}
}

// ReadBlob decodes the blob at ptr into out and returns its version.
func (s *Store) ReadBlob(ctx context.Context, ptr commandhistory.BlobPointer, out any) (string, error) {
	bucket, err := s.bucket(ptr)
	if err != nil {
		return "", err
	}
	key := blobKey(ptr)

	for attempt := 1; ; attempt++ {
		before, err := bucket.Attributes(ctx, key)
		if err != nil {
			return "", mapError(err, "read blob "+ptr.String())
		}
		if got := before.Metadata[MetadataCompression]; got != codec.Name {
			return "", fmt.Errorf("%w: blob %s has compression %q, expected %q",
				commandhistory.ErrInvalidOperation, ptr, got, codec.Name)
		}

		data, err := bucket.ReadAll(ctx, key)
		if err != nil {
			return "", mapError(err, "read blob "+ptr.String())
		}

		after, err := bucket.Attributes(ctx, key)
		if err != nil {
			return "", mapError(err, "read blob "+ptr.String())
		}
		version := before.Metadata[MetadataVersion]
		if after.Metadata[MetadataVersion] != version {
			if attempt == stableReadAttempts {
				return "", fmt.Errorf("%w: blob %s kept changing while being read", commandhistory.ErrConflict, ptr)
			}
			continue
		}

		if err := decode(data, out); err != nil {
			return "", fmt.Errorf("%w: blob %s: %v", commandhistory.ErrDataIntegrity, ptr, err)
		}
		return version, nil
	}
}

// ReplaceBlob overwrites the blob at ptr with v if its version is still
// version. On S3, Azure and GCS buckets the write is conditional on the
// revision that was checked, so concurrent writers in other processes lose
// with ErrConflict. Other drivers only serialize writers within this process.
func (s *Store) ReplaceBlob(ctx context.Context, ptr commandhistory.BlobPointer, v any, version string) error {
	bucket, err := s.bucket(ptr)
	if err != nil {
		return err
	}
	payload, err := encode(v)
	if err != nil {
		return err
	}
	key := blobKey(ptr)

	unlock := s.locks.lock(key)
	defer unlock()

	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return mapError(err, "replace blob "+ptr.String())
	}
	if current := attrs.Metadata[MetadataVersion]; current != version {
		return fmt.Errorf("%w: blob %s is at version %s, not %s", commandhistory.ErrConflict, ptr, current, version)
	}

	var native bool
	opts := writerOptions(false)
	opts.BeforeWrite = ifMatch(attrs, &native)
	if err := bucket.WriteAll(ctx, key, payload, opts); err != nil {
		return mapError(err, "replace blob "+ptr.String())
	}
	if !native {
		s.logger.DebugContext(ctx, "blob replaced without a native precondition", "blob", ptr.String())
	}
	return nil
}

// selectAccount starts at a random account and probes forward, skipping
// accounts whose disable flight is on.
func (s *Store) selectAccount(ctx context.Context) (Account, error) {
	start := s.intn(len(s.accounts))
	for i := range s.accounts {
		a := s.accounts[(start+i)%len(s.accounts)]
		if s.flights.IsEnabled(ctx, flighting.BlobAccountDisabled, map[string]any{"account": a.Name}) {
			continue
		}
		return a, nil
	}
	return Account{}, commandhistory.ErrNoAvailableAccount
}

func (s *Store) bucket(ptr commandhistory.BlobPointer) (*blob.Bucket, error) {
	bucket, ok := s.byName[ptr.AccountName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %q in blob pointer", commandhistory.ErrDataIntegrity, ptr.AccountName)
	}
	return bucket, nil
}

func blobKey(ptr commandhistory.BlobPointer) string {
	return ptr.ContainerName + "/" + ptr.BlobName
}

func writerOptions(ifNotExist bool) *blob.WriterOptions {
	return &blob.WriterOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			MetadataCompression: codec.Name,
			MetadataVersion:     idgen.Version(),
		},
		IfNotExist: ifNotExist,
	}
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fragment: %w", err)
	}
	data, err := codec.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress fragment: %w", err)
	}
	return data, nil
}

func decode(data []byte, out any) error {
	raw, err := codec.Decompress(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// mapError translates bucket errors into repository errors. Unrecognized
// errors keep their gcerrors code.
func mapError(err error, op string) error {
	switch gcerrors.Code(err) {
	case gcerrors.ResourceExhausted:
		return fmt.Errorf("%w: %s: %v", commandhistory.ErrThrottle, op, err)
	case gcerrors.FailedPrecondition:
		return fmt.Errorf("%w: %s: %v", commandhistory.ErrConflict, op, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}
