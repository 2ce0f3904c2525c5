package tasks

import (
	"context"
	"time"
)

// ExpiredDocumentDeleter deletes core documents past their expiry.
type ExpiredDocumentDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// ContainerPurger deletes blob containers past retention.
type ContainerPurger interface {
	PurgeContainers(ctx context.Context) (int, error)
}

// NewTTLSweeper deletes expired core documents every interval.
func NewTTLSweeper(docs ExpiredDocumentDeleter, interval time.Duration, opts ...Option) *Periodic {
	var p *Periodic
	p = NewPeriodic("ttl-sweeper", interval, func(ctx context.Context) error {
		n, err := docs.DeleteExpired(ctx)
		if err != nil {
			return err
		}
		p.telemetry.Metrics.RecordExpired(ctx, n)
		if n > 0 {
			p.logger.InfoContext(ctx, "expired documents deleted", "count", n)
		}
		return nil
	}, opts...)
	return p
}

// NewContainerPurger purges old blob containers every interval. The blob
// store records per-account purge metrics itself.
func NewContainerPurger(blobs ContainerPurger, interval time.Duration, opts ...Option) *Periodic {
	var p *Periodic
	p = NewPeriodic("container-purger", interval, func(ctx context.Context) error {
		n, err := blobs.PurgeContainers(ctx)
		if n > 0 {
			p.logger.InfoContext(ctx, "containers purged", "count", n)
		}
		return err
	}, opts...)
	return p
}
