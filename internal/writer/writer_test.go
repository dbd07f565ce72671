package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/sink"
	"github.com/loykin/cradle/internal/store"
	"github.com/loykin/cradle/internal/store/sqlite"
)

var t0 = time.Date(2025, 8, 4, 7, 0, 0, 0, time.UTC)

var errUnavailable = errors.New("service unavailable")

// fakeSink fails the first failFirst writes, and every write for kinds in
// failKinds. Points are kept by event id when idempotent.
type fakeSink struct {
	mu        sync.Mutex
	failFirst int
	failKinds map[string]bool
	idem      bool
	calls     int
	byKind    map[string]int
	points    []sink.Point
}

func (f *fakeSink) Write(ctx context.Context, p sink.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.calls++
	if f.byKind == nil {
		f.byKind = map[string]int{}
	}
	f.byKind[p.Measurement]++
	if f.calls <= f.failFirst || f.failKinds[p.Measurement] {
		return errUnavailable
	}
	if f.idem {
		for i, q := range f.points {
			if q.EventID() == p.EventID() {
				f.points[i] = p
				return nil
			}
		}
	}
	f.points = append(f.points, p)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) Idempotent() bool { return f.idem }

func (f *fakeSink) snapshot() (int, []sink.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]sink.Point(nil), f.points...)
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func closedEvent(t *testing.T, st store.Store, kind event.Kind, start time.Time, d time.Duration, meta map[string]any) event.Event {
	t.Helper()
	e, err := event.New(kind, start)
	require.NoError(t, err)
	if meta != nil {
		e, err = event.Amend(e, meta)
		require.NoError(t, err)
	}
	require.NoError(t, st.Put(context.Background(), e))
	c, err := event.Close(e, start.Add(d))
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), c))
	return c
}

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestPointFor(t *testing.T) {
	e, _ := event.New(event.KindNap, t0)
	_, err := PointFor(e)
	assert.True(t, errors.Is(err, event.ErrNotClosed))

	e, _ = event.Amend(e, map[string]any{"place": "crib"})
	c, _ := event.Close(e, t0.Add(1800*time.Second))
	p, err := PointFor(c)
	require.NoError(t, err)
	assert.Equal(t, "nap", p.Measurement)
	assert.Equal(t, map[string]string{sink.TagEventID: c.ID}, p.Tags)
	assert.Equal(t, int64(1800), p.Fields[sink.FieldDuration])
	assert.Equal(t, "crib", p.Fields["place"])
	assert.True(t, p.Time.Equal(t0))
	require.NoError(t, p.Validate())
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	st := newStore(t)
	fs := &fakeSink{failFirst: 3, idem: true}
	w := New(fs, st, fastConfig(5))
	c := closedEvent(t, st, event.KindNap, t0, 30*time.Minute, nil)

	got, err := w.Flush(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFlushed, got.Status)
	require.NotNil(t, got.FlushedAt)

	calls, points := fs.snapshot()
	assert.Equal(t, 4, calls)
	require.Len(t, points, 1, "exactly one point delivered")
	assert.Equal(t, c.ID, points[0].EventID())

	stored, err := st.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFlushed, stored.Status)

	stats := w.Stats()
	assert.Equal(t, uint64(4), stats.Attempts)
	assert.Equal(t, uint64(1), stats.Flushed)
	assert.Equal(t, uint64(0), stats.Failures)
	assert.False(t, stats.LastSuccess.IsZero())

	// flushing the flushed event again is a no-op
	again, err := w.Flush(context.Background(), got)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
	calls, _ = fs.snapshot()
	assert.Equal(t, 4, calls)
}

func TestFlushExhaustsRetries(t *testing.T) {
	st := newStore(t)
	fs := &fakeSink{failFirst: 1000}
	w := New(fs, st, fastConfig(3))
	c := closedEvent(t, st, event.KindBreastfeeding, t0, 10*time.Minute, map[string]any{"side": "right"})

	got, err := w.Flush(context.Background(), c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrFlushFailed))
	assert.True(t, errors.Is(err, errUnavailable))
	var ff *FlushFailedError
	require.True(t, errors.As(err, &ff))
	assert.Equal(t, 3, ff.Attempts)
	assert.Equal(t, c.ID, ff.Event.ID)
	assert.Equal(t, event.StatusClosed, got.Status)

	stored, err := st.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusClosed, stored.Status, "failed flush must not mark the event")

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Failures)
	assert.NotEmpty(t, stats.LastError)
	assert.True(t, stats.LastSuccess.IsZero())
}

func TestFlushCancelledContextAbandonsRetries(t *testing.T) {
	st := newStore(t)
	fs := &fakeSink{failFirst: 1000}
	w := New(fs, st, Config{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour})
	c := closedEvent(t, st, event.KindNap, t0, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	done := make(chan error, 1)
	go func() {
		_, err := w.Flush(ctx, c)
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, event.ErrFlushFailed))
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not stop after cancellation")
	}
	stored, err := st.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusClosed, stored.Status)
}

func TestFlushRejectsOpenEvent(t *testing.T) {
	w := New(&fakeSink{}, newStore(t), fastConfig(1))
	e, _ := event.New(event.KindNap, t0)
	_, err := w.Flush(context.Background(), e)
	assert.True(t, errors.Is(err, event.ErrNotClosed))
}

func TestFlushAppendOnlySinkSkipsArchivedEvent(t *testing.T) {
	st := newStore(t)
	fs := &fakeSink{}
	w := New(fs, st, fastConfig(3))
	c := closedEvent(t, st, event.KindNap, t0, time.Hour, nil)

	_, err := w.Flush(context.Background(), c)
	require.NoError(t, err)
	// a stale closed copy is flushed again, e.g. from an old pending list
	got, err := w.Flush(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFlushed, got.Status)

	calls, points := fs.snapshot()
	assert.Equal(t, 1, calls)
	assert.Len(t, points, 1)
}

// flakyStore fails Put of flushed events while failPuts > 0.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failPuts int
}

func (s *flakyStore) Put(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	fail := e.Status == event.StatusFlushed && s.failPuts > 0
	if fail {
		s.failPuts--
	}
	s.mu.Unlock()
	if fail {
		return store.Persistence("put", errors.New("disk full"))
	}
	return s.Store.Put(ctx, e)
}

func TestFlushDeliveredButUnrecordedIsNotResent(t *testing.T) {
	st := &flakyStore{Store: newStore(t), failPuts: 1}
	fs := &fakeSink{}
	w := New(fs, st, fastConfig(3))
	c := closedEvent(t, st, event.KindBreastfeeding, t0, 20*time.Minute, nil)

	got, err := w.Flush(context.Background(), c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrPersistence))
	assert.Equal(t, event.StatusClosed, got.Status)

	got, err = w.Flush(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFlushed, got.Status)

	calls, points := fs.snapshot()
	assert.Equal(t, 1, calls, "delivered point must not be resent")
	assert.Len(t, points, 1)
}

func TestFlushPending(t *testing.T) {
	st := newStore(t)
	fs := &fakeSink{idem: true}
	w := New(fs, st, fastConfig(2))
	b := closedEvent(t, st, event.KindBreastfeeding, t0.Add(time.Hour), 15*time.Minute, nil)
	a := closedEvent(t, st, event.KindNap, t0, 30*time.Minute, nil)

	n, remaining, err := w.FlushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, remaining)

	_, points := fs.snapshot()
	require.Len(t, points, 2)
	assert.Equal(t, a.ID, points[0].EventID(), "chronological order")
	assert.Equal(t, b.ID, points[1].EventID())

	pending, err := st.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, _, err = w.FlushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDefaultConfig(t *testing.T) {
	w := New(&fakeSink{}, newStore(t), Config{})
	assert.Equal(t, DefaultConfig(), w.Config())

	w = New(&fakeSink{}, newStore(t), Config{BaseDelay: time.Second, MaxDelay: time.Millisecond})
	assert.Equal(t, time.Second, w.Config().MaxDelay)
}

func TestPointFieldTypeStableAcrossEvents(t *testing.T) {
	st := newStore(t)
	whole := closedEvent(t, st, event.KindBreastfeeding, t0, 10*time.Minute, map[string]any{"ml": 5})
	frac := closedEvent(t, st, event.KindBreastfeeding, t0.Add(time.Hour), 10*time.Minute, map[string]any{"ml": 5.5})

	pw, err := PointFor(whole)
	require.NoError(t, err)
	pf, err := PointFor(frac)
	require.NoError(t, err)
	assert.IsType(t, float64(0), pw.Fields["ml"])
	assert.IsType(t, pw.Fields["ml"], pf.Fields["ml"])

	// the same holds after a store round trip
	got, err := st.Get(context.Background(), whole.ID)
	require.NoError(t, err)
	pg, err := PointFor(got)
	require.NoError(t, err)
	assert.IsType(t, float64(0), pg.Fields["ml"])
}
