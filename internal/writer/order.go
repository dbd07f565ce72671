package writer

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/cradle/internal/event"
)

// OrderPolicy decides what FlushAll does after a failed event.
type OrderPolicy string

const (
	// OrderStrict stops at the first failure; later events wait for the next cycle.
	OrderStrict OrderPolicy = "strict"
	// OrderPerKind skips the rest of the failed kind and keeps flushing other kinds.
	OrderPerKind OrderPolicy = "per-kind"
	// OrderUnordered attempts every event regardless of earlier failures.
	OrderUnordered OrderPolicy = "unordered"
)

// ParseOrderPolicy validates s. Empty selects OrderStrict.
func ParseOrderPolicy(s string) (OrderPolicy, error) {
	switch p := OrderPolicy(s); p {
	case "":
		return OrderStrict, nil
	case OrderStrict, OrderPerKind, OrderUnordered:
		return p, nil
	}
	return "", fmt.Errorf("unknown order policy %q", s)
}

// FlushAll flushes events in the given order and returns the ones that
// remain unflushed, in attempt order. Events that failed ParkAfter cycles in
// a row are parked: attempted after all others, and their failures never
// hold anything back. A cancelled context stops the run under every policy.
func (w *Writer) FlushAll(ctx context.Context, events []event.Event) ([]event.Event, error) {
	var (
		remaining []event.Event
		errs      []error
		blocked   = map[event.Kind]bool{}
	)
	events, parked := w.arrange(events)
	for i, e := range events {
		if err := ctx.Err(); err != nil {
			remaining = append(remaining, events[i:]...)
			errs = append(errs, err)
			break
		}
		if blocked[e.Kind] {
			remaining = append(remaining, e)
			continue
		}
		if _, err := w.Flush(ctx, e); err != nil {
			remaining = append(remaining, e)
			errs = append(errs, err)
			if ctx.Err() == nil {
				w.noteFailure(e)
			}
			if parked[e.ID] {
				continue
			}
			if w.cfg.OrderPolicy == OrderStrict {
				remaining = append(remaining, events[i+1:]...)
				break
			}
			if w.cfg.OrderPolicy == OrderPerKind {
				blocked[e.Kind] = true
			}
			continue
		}
		w.clearFailure(e.ID)
	}
	return remaining, errors.Join(errs...)
}

// arrange moves parked events behind the others, keeping relative order.
func (w *Writer) arrange(events []event.Event) ([]event.Event, map[string]bool) {
	parked := map[string]bool{}
	var front, back []event.Event
	for _, e := range events {
		if w.parked(e.ID) {
			parked[e.ID] = true
			back = append(back, e)
			continue
		}
		front = append(front, e)
	}
	if len(back) == 0 {
		return events, parked
	}
	return append(front, back...), parked
}
