package commandhistory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/commandhistory/pkg/privacy"
)

// RetryOnConflict reads the command, applies fn and writes back the changed
// fragments, re-reading and retrying when the write loses to a concurrent
// writer. fn returns the fragments it modified; returning FragmentNone skips
// the write.
func (r *Repository) RetryOnConflict(ctx context.Context, id privacy.CommandID, fragments FragmentTypes, maxRetries int, fn func(*Record) (FragmentTypes, error)) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		rec, err := r.Query(ctx, id, fragments)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		modified, err := fn(rec)
		if err != nil {
			return err
		}
		if modified.IsEmpty() {
			return nil
		}

		err = r.Replace(ctx, rec, modified)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) || attempt == maxRetries {
			return err
		}

		// Brief backoff before retry (10ms, 20ms, 40ms)
		backoff := time.Duration(10*(1<<uint(attempt))) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("max retries exceeded")
}
