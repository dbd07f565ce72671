package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/cradle/internal/metrics"
)

// Sweep evicts flushed events whose retention grace period ended before now.
// It returns the number of evicted events.
func Sweep(ctx context.Context, s Store, grace time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-grace)
	expired, err := s.ListFlushedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range expired {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := s.Evict(ctx, e.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		metrics.AddEvicted(n)
		slog.Debug("Evicted flushed events", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
