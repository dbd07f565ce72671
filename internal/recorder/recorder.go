// Package recorder accepts Start, Stop and Amend commands and applies them to
// the event store. Commands for one kind are serialized; kinds run in parallel.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/metrics"
	"github.com/loykin/cradle/internal/store"
)

// MaxFutureSkew bounds how far ahead of the clock a command timestamp may be.
const MaxFutureSkew = time.Minute

// StartOptions are optional Start parameters. A zero At means now.
type StartOptions struct {
	At       time.Time
	Metadata map[string]any
}

// StopOptions are optional Stop parameters. A zero At means now.
type StopOptions struct {
	At time.Time
}

// Counters is a snapshot of command bookkeeping.
type Counters struct {
	Accepted      uint64    `json:"accepted"`
	Rejected      uint64    `json:"rejected"`
	LastCommandAt time.Time `json:"last_command_at,omitempty"`
}

// Option configures a Recorder.
type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithOnClose registers fn to run after an event is durably closed.
// fn must not block.
func WithOnClose(fn func(event.Event)) Option {
	return func(r *Recorder) { r.onClose = fn }
}

type Recorder struct {
	store   store.Store
	now     func() time.Time
	log     *slog.Logger
	onClose func(event.Event)
	locks   map[event.Kind]*sync.Mutex

	accepted    atomic.Uint64
	rejected    atomic.Uint64
	lastCommand atomic.Int64
}

func New(st store.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store: st,
		now:   time.Now,
		log:   slog.Default(),
		locks: make(map[event.Kind]*sync.Mutex),
	}
	for _, k := range event.Kinds() {
		r.locks[k] = &sync.Mutex{}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// lock serializes commands of one kind and returns the unlock func.
func (r *Recorder) lock(kind event.Kind) (func(), error) {
	mu, ok := r.locks[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", event.ErrInvalidKind, string(kind))
	}
	mu.Lock()
	return mu.Unlock, nil
}

func (r *Recorder) at(t time.Time) (time.Time, error) {
	now := r.now()
	if t.IsZero() {
		return now, nil
	}
	if t.After(now.Add(MaxFutureSkew)) {
		return time.Time{}, fmt.Errorf("%w: %s is in the future", event.ErrInvalidTimestamp, t.Format(time.RFC3339))
	}
	return t, nil
}

// Start opens a new event of kind.
func (r *Recorder) Start(ctx context.Context, kind event.Kind, opt StartOptions) (e event.Event, err error) {
	defer func() { r.done(kind, "start", err) }()
	unlock, err := r.lock(kind)
	if err != nil {
		return event.Event{}, err
	}
	defer unlock()

	at, err := r.at(opt.At)
	if err != nil {
		return event.Event{}, err
	}
	if cur, ok, err := r.store.GetOpen(ctx, kind); err != nil {
		return event.Event{}, store.Persistence("get open", err)
	} else if ok {
		return event.Event{}, fmt.Errorf("%w: %s since %s", event.ErrAlreadyOpen, kind, cur.StartedAt.Format(time.RFC3339))
	}
	e, err = event.New(kind, at)
	if err != nil {
		return event.Event{}, err
	}
	if len(opt.Metadata) > 0 {
		if e, err = event.Amend(e, opt.Metadata); err != nil {
			return event.Event{}, err
		}
	}
	if err := r.store.Put(ctx, e); err != nil {
		return event.Event{}, err
	}
	metrics.SetOpen(string(kind), 1)
	r.log.Info("event started", "event_id", e.ID, "kind", kind, "started_at", e.StartedAt)
	return e, nil
}

// Stop closes the open event of kind. Delivery to the time-series store is
// left to the flush cycle.
func (r *Recorder) Stop(ctx context.Context, kind event.Kind, opt StopOptions) (e event.Event, err error) {
	defer func() { r.done(kind, "stop", err) }()
	unlock, err := r.lock(kind)
	if err != nil {
		return event.Event{}, err
	}
	defer unlock()

	at, err := r.at(opt.At)
	if err != nil {
		return event.Event{}, err
	}
	cur, err := r.current(ctx, kind)
	if err != nil {
		return event.Event{}, err
	}
	e, err = event.Close(cur, at)
	if err != nil {
		return cur, err
	}
	if err := r.store.Put(ctx, e); err != nil {
		return cur, err
	}
	metrics.SetOpen(string(kind), 0)
	r.log.Info("event closed", "event_id", e.ID, "kind", kind, "duration", e.Duration())
	if r.onClose != nil {
		r.onClose(e)
	}
	return e, nil
}

// Amend merges patch into the metadata of the open event of kind.
func (r *Recorder) Amend(ctx context.Context, kind event.Kind, patch map[string]any) (e event.Event, err error) {
	defer func() { r.done(kind, "amend", err) }()
	unlock, err := r.lock(kind)
	if err != nil {
		return event.Event{}, err
	}
	defer unlock()

	cur, err := r.current(ctx, kind)
	if err != nil {
		return event.Event{}, err
	}
	e, err = event.Amend(cur, patch)
	if err != nil {
		return cur, err
	}
	e.UpdatedAt = r.now().UTC()
	if err := r.store.Put(ctx, e); err != nil {
		return cur, err
	}
	r.log.Debug("event amended", "event_id", e.ID, "kind", kind, "keys", len(patch))
	return e, nil
}

// Open lists the open events, one per kind at most.
func (r *Recorder) Open(ctx context.Context) ([]event.Event, error) {
	out := make([]event.Event, 0, len(r.locks))
	for _, k := range event.Kinds() {
		e, ok, err := r.store.GetOpen(ctx, k)
		if err != nil {
			return nil, store.Persistence("get open", err)
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Counters returns the command counters. Safe to call from any goroutine.
func (r *Recorder) Counters() Counters {
	c := Counters{
		Accepted: r.accepted.Load(),
		Rejected: r.rejected.Load(),
	}
	if ns := r.lastCommand.Load(); ns != 0 {
		c.LastCommandAt = time.Unix(0, ns).UTC()
	}
	return c
}

func (r *Recorder) current(ctx context.Context, kind event.Kind) (event.Event, error) {
	cur, ok, err := r.store.GetOpen(ctx, kind)
	if err != nil {
		return event.Event{}, store.Persistence("get open", err)
	}
	if !ok {
		return event.Event{}, fmt.Errorf("%w: %s", event.ErrNoOpenEvent, kind)
	}
	return cur, nil
}

func (r *Recorder) done(kind event.Kind, command string, err error) {
	r.lastCommand.Store(r.now().UnixNano())
	result := "ok"
	switch {
	case err == nil:
		r.accepted.Add(1)
	case errors.Is(err, event.ErrPersistence):
		r.rejected.Add(1)
		result = "error"
		r.log.Error("command failed", "command", command, "kind", kind, "error", err)
	default:
		r.rejected.Add(1)
		result = "rejected"
		r.log.Debug("command rejected", "command", command, "kind", kind, "error", err)
	}
	label := string(kind)
	if !kind.Valid() {
		label = "invalid"
	}
	metrics.IncCommand(label, command, result)
}
