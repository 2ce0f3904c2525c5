package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/plaenen/commandhistory/pkg/observability"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

const (
	containerDateLayout = "2006-01-02"
	containerMarker     = ".container"
	purgeGraceDays      = 5
)

// ContainerCache remembers containers known to exist.
type ContainerCache interface {
	Contains(account, container string) bool
	Add(account, container string)
}

type containerKey struct {
	account   string
	container string
}

// MemoryContainerCache is a ContainerCache that lives as long as the
// process.
type MemoryContainerCache struct {
	mu    sync.RWMutex
	known map[containerKey]struct{}
}

// NewContainerCache returns an empty in-memory cache.
func NewContainerCache() *MemoryContainerCache {
	return &MemoryContainerCache{known: make(map[containerKey]struct{})}
}

func (c *MemoryContainerCache) Contains(account, container string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[containerKey{account, container}]
	return ok
}

func (c *MemoryContainerCache) Add(account, container string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[containerKey{account, container}] = struct{}{}
}

func (s *Store) containerName(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format(containerDateLayout)
}

// ensureContainer creates the marker object of container on first use. The
// first creation by this store starts a background purge of old containers.
func (s *Store) ensureContainer(ctx context.Context, account Account, container string) error {
	if s.containers.Contains(account.Name, container) {
		return nil
	}

	err := account.Bucket.WriteAll(ctx, container+"/"+containerMarker, nil, &blob.WriterOptions{
		ContentType: "application/octet-stream",
		IfNotExist:  true,
	})
	switch {
	case err == nil:
		s.containers.Add(account.Name, container)
		s.purgeOnce.Do(s.startPurge)
	case gcerrors.Code(err) == gcerrors.FailedPrecondition:
		// Another writer created it first.
		s.containers.Add(account.Name, container)
	default:
		return mapError(err, "create container "+account.Name+"/"+container)
	}
	return nil
}

// startPurge runs PurgeContainers detached from any caller. Failures are
// logged only.
func (s *Store) startPurge() {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("container purge panicked", "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.purgeTimeout)
		defer cancel()

		if _, err := s.PurgeContainers(ctx); err != nil {
			s.logger.Error("container purge failed", "error", err)
		}
	}()
}

// PurgeContainers deletes every container whose date is more than the
// retention period plus a grace period in the past. It returns the number
// of containers removed across all accounts.
func (s *Store) PurgeContainers(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -(s.retentionDays + purgeGraceDays))
	cutoff = time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)

	var (
		total int
		errs  []error
	)
	for _, account := range s.accounts {
		n, err := s.purgeAccount(ctx, account, cutoff)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (s *Store) purgeAccount(ctx context.Context, account Account, cutoff time.Time) (n int, err error) {
	tracer := s.telemetry.Tracer(observability.TracerName)
	ctx, span := observability.StartSpan(ctx, tracer, "blobstore.purge",
		observability.WithAttributes(observability.BlobAttrs(account.Name, "")...))
	defer func() { observability.EndSpan(span, err) }()

	containers, err := s.listContainers(ctx, account.Bucket)
	if err != nil {
		return 0, fmt.Errorf("failed to list containers of %s: %w", account.Name, err)
	}

	for _, container := range containers {
		date, ok := s.containerDate(container)
		if !ok || !date.Before(cutoff) {
			continue
		}
		if err := deletePrefix(ctx, account.Bucket, container+"/"); err != nil {
			return n, fmt.Errorf("failed to purge container %s/%s: %w", account.Name, container, err)
		}
		n++
		s.logger.InfoContext(ctx, "container purged", "account", account.Name, "container", container)
	}

	s.telemetry.Metrics.RecordPurge(ctx, account.Name, n)
	return n, nil
}

func (s *Store) listContainers(ctx context.Context, bucket *blob.Bucket) ([]string, error) {
	var containers []string
	iter := bucket.List(&blob.ListOptions{Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return containers, nil
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			containers = append(containers, strings.TrimSuffix(obj.Key, "/"))
		}
	}
}

// containerDate parses the date of a container written by this store.
func (s *Store) containerDate(container string) (time.Time, bool) {
	suffix, ok := strings.CutPrefix(container, s.prefix+"-")
	if !ok {
		return time.Time{}, false
	}
	date, err := time.Parse(containerDateLayout, suffix)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

func deletePrefix(ctx context.Context, bucket *blob.Bucket, prefix string) error {
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return err
		}
	}
}

const lockStripes = 64

// stripedLock serializes work per key with a fixed number of mutexes.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(key string) (unlock func()) {
	m := &l.stripes[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}
