package store

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/cradle/internal/event"
)

var (
	ErrNotFound     = errors.New("event not found")
	ErrNotEvictable = errors.New("event not evictable")
	// ErrRegression is returned when a Put would move an event backwards
	// in its lifecycle (e.g. flushed -> closed).
	ErrRegression = errors.New("event status regression")
)

// Snapshot is a read-consistent view of the in-flight events.
type Snapshot struct {
	Open    []event.Event
	Pending []event.Event
	TakenAt time.Time
}

// Store is the durable holding area for events that are not flushed yet,
// plus a short-lived archive of flushed ones for idempotency checks.
//
// Put must not return before the write is durable. Driver failures are
// wrapped with event.ErrPersistence; a second open event for a kind is
// reported as event.ErrAlreadyOpen.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Put(ctx context.Context, e event.Event) error
	Get(ctx context.Context, id string) (event.Event, error)
	GetOpen(ctx context.Context, kind event.Kind) (event.Event, bool, error)
	// ListPending returns closed events ordered by StartedAt ascending.
	ListPending(ctx context.Context) ([]event.Event, error)
	IsFlushed(ctx context.Context, id string) (bool, error)
	ListFlushedBefore(ctx context.Context, cutoff time.Time) ([]event.Event, error)
	Evict(ctx context.Context, id string) error
	Snapshot(ctx context.Context) (Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}
