// Package writer turns closed events into time-series points and delivers
// them to a sink with bounded exponential backoff.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/metrics"
	"github.com/loykin/cradle/internal/sink"
	"github.com/loykin/cradle/internal/store"
)

// resolveTimeout bounds the store write that records a flush outcome. It runs
// detached from the caller's context so a shutdown does not leave a delivered
// point without its flushed mark.
const resolveTimeout = 5 * time.Second

// Config holds retry and ordering settings.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	OrderPolicy OrderPolicy
	// ParkAfter is the number of consecutive failed cycles after which an
	// event is attempted last and no longer holds back later events.
	ParkAfter int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		OrderPolicy: OrderStrict,
		ParkAfter:   3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.OrderPolicy == "" {
		c.OrderPolicy = d.OrderPolicy
	}
	if c.ParkAfter <= 0 {
		c.ParkAfter = d.ParkAfter
	}
	return c
}

// FlushFailedError is returned when every attempt to deliver an event failed.
// The event is left closed and is retried on the next flush cycle.
type FlushFailedError struct {
	Event    event.Event
	Attempts int
	Err      error
}

func (e *FlushFailedError) Error() string {
	return fmt.Sprintf("%s: %s %s after %d attempt(s): %v", event.ErrFlushFailed, e.Event.Kind, e.Event.ID, e.Attempts, e.Err)
}

func (e *FlushFailedError) Unwrap() []error { return []error{event.ErrFlushFailed, e.Err} }

// Stats is a point-in-time copy of the writer counters.
type Stats struct {
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	Attempts    uint64    `json:"attempts"`
	Flushed     uint64    `json:"flushed"`
	Failures    uint64    `json:"failures"`
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// WithClock overrides time.Now, used for flushed timestamps and stats.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// Writer delivers closed events to a sink and records the outcome in the store.
type Writer struct {
	sink       sink.Sink
	store      store.Store
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
	idempotent bool

	// cycle serializes FlushPending runs.
	cycle sync.Mutex

	mu        sync.Mutex
	stats     Stats
	delivered map[string]struct{}
	// failed counts consecutive failed cycles per event id.
	failed map[string]int
}

func New(s sink.Sink, st store.Store, cfg Config, opts ...Option) *Writer {
	w := &Writer{
		sink:       s,
		store:      st,
		cfg:        cfg.withDefaults(),
		log:        slog.Default(),
		now:        time.Now,
		idempotent: sink.IsIdempotent(s),
		delivered:  make(map[string]struct{}),
		failed:     make(map[string]int),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Config returns the effective configuration.
func (w *Writer) Config() Config { return w.cfg }

// Sink returns the underlying sink.
func (w *Writer) Sink() sink.Sink { return w.sink }

// PointFor builds the time-series point of a closed or flushed event.
func PointFor(e event.Event) (sink.Point, error) {
	if e.EndedAt == nil {
		return sink.Point{}, fmt.Errorf("%w: %s has no end time", event.ErrNotClosed, e.ID)
	}
	fields := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		fields[k] = v
	}
	fields[sink.FieldDuration] = int64(e.Duration() / time.Second)
	return sink.Point{
		Measurement: string(e.Kind),
		Tags:        map[string]string{sink.TagEventID: e.ID},
		Fields:      fields,
		Time:        e.StartedAt,
	}, nil
}

// Flush delivers one closed event and marks it flushed. A flushed event is
// returned unchanged. On exhausted retries it returns *FlushFailedError and
// the event stays closed.
func (w *Writer) Flush(ctx context.Context, e event.Event) (event.Event, error) {
	switch e.Status {
	case event.StatusFlushed:
		return e, nil
	case event.StatusClosed:
	default:
		return e, fmt.Errorf("%w: %s is %s", event.ErrNotClosed, e.ID, e.Status)
	}
	p, err := PointFor(e)
	if err != nil {
		return e, err
	}

	if !w.idempotent {
		if flushed, ok := w.alreadyFlushed(ctx, e); ok {
			return flushed, nil
		}
	}

	if !w.isDelivered(e.ID) {
		if err := w.deliver(ctx, e, p); err != nil {
			return e, err
		}
	} else {
		w.log.Debug("point already delivered, recording flush", "event_id", e.ID)
	}
	return w.resolve(ctx, e)
}

// alreadyFlushed consults the flushed archive for append-only sinks.
func (w *Writer) alreadyFlushed(ctx context.Context, e event.Event) (event.Event, bool) {
	ok, err := w.store.IsFlushed(ctx, e.ID)
	if err != nil {
		w.log.Warn("flushed archive lookup failed", "event_id", e.ID, "error", err)
		return e, false
	}
	if !ok {
		return e, false
	}
	got, err := w.store.Get(ctx, e.ID)
	if err != nil {
		return e, false
	}
	w.log.Debug("skipping resend of flushed event", "event_id", e.ID)
	return got, true
}

func (w *Writer) deliver(ctx context.Context, e event.Event, p sink.Point) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BaseDelay
	b.MaxInterval = w.cfg.MaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		err := w.sink.Write(ctx, p)
		w.countAttempt()
		metrics.IncFlushAttempt(string(e.Kind), err == nil)
		if err == nil {
			return nil
		}
		w.log.Debug("point write failed", "event_id", e.ID, "kind", e.Kind, "attempt", attempts, "error", err)
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, policy)
	if err == nil {
		if !w.idempotent {
			w.markDelivered(e.ID)
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w (abandoned: %w)", err, ctxErr)
	}
	w.recordFailure(err)
	w.log.Warn("flush failed", "event_id", e.ID, "kind", e.Kind, "attempts", attempts, "error", err)
	return &FlushFailedError{Event: e, Attempts: attempts, Err: err}
}

// resolve persists the flushed mark of a delivered event.
func (w *Writer) resolve(ctx context.Context, e event.Event) (event.Event, error) {
	at := w.now().UTC()
	flushed, err := event.MarkFlushed(e, at)
	if err != nil {
		return e, err
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancel()
	if err := w.store.Put(pctx, flushed); err != nil {
		if errors.Is(err, store.ErrRegression) {
			// someone else recorded the flush first
			w.forgetDelivered(e.ID)
			if got, gerr := w.store.Get(pctx, e.ID); gerr == nil {
				return got, nil
			}
			return flushed, nil
		}
		w.log.Error("failed to record flush", "event_id", e.ID, "error", err)
		return e, err
	}
	w.forgetDelivered(e.ID)
	w.recordSuccess(e.Kind, at)
	w.log.Info("event flushed", "event_id", e.ID, "kind", e.Kind, "duration", e.Duration())
	return flushed, nil
}

// FlushPending flushes every pending event in store order. It returns the
// number of events flushed and the events still pending.
func (w *Writer) FlushPending(ctx context.Context) (int, []event.Event, error) {
	w.cycle.Lock()
	defer w.cycle.Unlock()

	pending, err := w.store.ListPending(ctx)
	if err != nil {
		return 0, nil, err
	}
	w.pruneFailures(pending)
	if len(pending) == 0 {
		metrics.SetPending(0)
		return 0, nil, nil
	}
	remaining, err := w.FlushAll(ctx, pending)
	metrics.SetPending(len(remaining))
	return len(pending) - len(remaining), remaining, err
}

// Stats returns a copy of the counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Writer) countAttempt() {
	w.mu.Lock()
	w.stats.Attempts++
	w.mu.Unlock()
}

func (w *Writer) recordFailure(err error) {
	w.mu.Lock()
	w.stats.Failures++
	w.stats.LastError = err.Error()
	w.stats.LastErrorAt = w.now().UTC()
	w.mu.Unlock()
}

func (w *Writer) recordSuccess(kind event.Kind, at time.Time) {
	w.mu.Lock()
	w.stats.Flushed++
	w.stats.LastSuccess = at
	w.mu.Unlock()
	metrics.IncFlushed(string(kind), at)
}

func (w *Writer) isDelivered(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.delivered[id]
	return ok
}

func (w *Writer) markDelivered(id string) {
	w.mu.Lock()
	w.delivered[id] = struct{}{}
	w.mu.Unlock()
}

func (w *Writer) forgetDelivered(id string) {
	w.mu.Lock()
	delete(w.delivered, id)
	w.mu.Unlock()
}

func (w *Writer) noteFailure(e event.Event) {
	w.mu.Lock()
	w.failed[e.ID]++
	n := w.failed[e.ID]
	w.mu.Unlock()
	if n == w.cfg.ParkAfter {
		w.log.Warn("event keeps failing, flushing newer events first", "event_id", e.ID, "kind", e.Kind, "cycles", n)
	}
}

func (w *Writer) clearFailure(id string) {
	w.mu.Lock()
	delete(w.failed, id)
	w.mu.Unlock()
}

func (w *Writer) parked(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed[id] >= w.cfg.ParkAfter
}

// pruneFailures forgets events that are no longer pending.
func (w *Writer) pruneFailures(pending []event.Event) {
	keep := make(map[string]bool, len(pending))
	for _, e := range pending {
		keep[e.ID] = true
	}
	w.mu.Lock()
	for id := range w.failed {
		if !keep[id] {
			delete(w.failed, id)
		}
	}
	w.mu.Unlock()
}
