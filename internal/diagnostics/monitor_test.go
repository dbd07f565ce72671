package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/recorder"
	"github.com/loykin/cradle/internal/sink"
	"github.com/loykin/cradle/internal/store"
	"github.com/loykin/cradle/internal/store/sqlite"
	"github.com/loykin/cradle/internal/writer"
)

var now = time.Date(2025, 8, 4, 18, 0, 0, 0, time.UTC)

type fakeSnap struct {
	snap store.Snapshot
	err  error
}

func (f fakeSnap) Snapshot(context.Context) (store.Snapshot, error) { return f.snap, f.err }

type fakeStats writer.Stats

func (f fakeStats) Stats() writer.Stats { return writer.Stats(f) }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func openEvent(t *testing.T, kind event.Kind, age time.Duration) event.Event {
	t.Helper()
	e, err := event.New(kind, now.Add(-age))
	require.NoError(t, err)
	return e
}

func closedAgo(t *testing.T, kind event.Kind, endedAgo time.Duration) event.Event {
	t.Helper()
	e := openEvent(t, kind, endedAgo+10*time.Minute)
	c, err := event.Close(e, now.Add(-endedAgo))
	require.NoError(t, err)
	return c
}

func newMonitor(snap store.Snapshot, opts ...Option) *Monitor {
	base := []Option{WithClock(func() time.Time { return now }), WithProcessStats(false)}
	return New(Config{}, fakeSnap{snap: snap}, append(base, opts...)...)
}

func TestPollHealthy(t *testing.T) {
	m := newMonitor(store.Snapshot{}, WithWriter(fakeStats{LastSuccess: now.Add(-time.Minute), Flushed: 4}))
	r, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Healthy)
	assert.Empty(t, r.Alerts)
	assert.Equal(t, map[event.Kind]int{event.KindNap: 0, event.KindBreastfeeding: 0}, r.OpenByKind)
	assert.Equal(t, uint64(4), r.FlushedTotal)
	require.NotNil(t, r.LastFlushSuccess)
	assert.Nil(t, r.SinkReachable)
	assert.True(t, r.GeneratedAt.Equal(now))
}

func TestStuckSession(t *testing.T) {
	nap := openEvent(t, event.KindNap, 5*time.Hour)
	bf := openEvent(t, event.KindBreastfeeding, 30*time.Minute)
	m := newMonitor(store.Snapshot{Open: []event.Event{nap, bf}})

	r, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Alerts, 1)
	assert.Equal(t, AlertStuckSession, r.Alerts[0].Type)
	assert.Equal(t, event.KindNap, r.Alerts[0].Kind)
	assert.Equal(t, 1, r.OpenByKind[event.KindNap])
	assert.Equal(t, 1, r.OpenByKind[event.KindBreastfeeding])
	assert.Equal(t, 5*time.Hour, r.OldestOpenAge)
	assert.Equal(t, int64(5*3600), r.OldestOpenSeconds)
	assert.False(t, r.Healthy)
}

func TestBacklog(t *testing.T) {
	var pending []event.Event
	for i := 0; i < 4; i++ {
		pending = append(pending, closedAgo(t, event.KindNap, time.Minute))
	}
	m := newMonitor(store.Snapshot{Pending: pending}, WithWriter(fakeStats{LastSuccess: now.Add(-time.Minute)}))
	r, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, r.Pending)
	assert.True(t, r.HasAlert(AlertBacklog))
	assert.False(t, r.HasAlert(AlertStalled))

	m = newMonitor(store.Snapshot{Pending: pending[:3]})
	r, err = m.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, r.HasAlert(AlertBacklog), "threshold is exclusive")
}

func TestStalled(t *testing.T) {
	old := closedAgo(t, event.KindNap, 2*time.Hour)
	fresh := closedAgo(t, event.KindNap, 10*time.Minute)
	cases := []struct {
		name    string
		pending []event.Event
		stats   fakeStats
		want    bool
	}{
		{"never succeeded, old pending", []event.Event{old}, fakeStats{}, true},
		{"old success, old pending", []event.Event{old}, fakeStats{LastSuccess: now.Add(-3 * time.Hour)}, true},
		{"recent success, old pending", []event.Event{old}, fakeStats{LastSuccess: now.Add(-10 * time.Minute)}, false},
		{"old success, fresh pending", []event.Event{fresh}, fakeStats{LastSuccess: now.Add(-5 * time.Hour)}, false},
		{"idle pipeline", nil, fakeStats{LastSuccess: now.Add(-48 * time.Hour)}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newMonitor(store.Snapshot{Pending: c.pending}, WithWriter(c.stats))
			r, err := m.Poll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.want, r.HasAlert(AlertStalled))
		})
	}
}

func TestSinkUnreachable(t *testing.T) {
	m := newMonitor(store.Snapshot{}, WithPinger(fakePinger{err: errors.New("dial tcp: connection refused")}))
	r, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r.SinkReachable)
	assert.False(t, *r.SinkReachable)
	assert.True(t, r.HasAlert(AlertSinkUnreachable))
	assert.False(t, r.Healthy)

	m = newMonitor(store.Snapshot{}, WithPinger(fakePinger{}))
	r, err = m.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, *r.SinkReachable)
	assert.True(t, r.Healthy)
}

func TestPollSnapshotError(t *testing.T) {
	m := New(Config{}, fakeSnap{err: errors.New("database is locked")}, WithProcessStats(false))
	_, err := m.Poll(context.Background())
	assert.Error(t, err)
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestLatestAndCounters(t *testing.T) {
	last := now.Add(-time.Minute)
	rec := counterStub{Accepted: 7, Rejected: 2, LastCommandAt: last}
	m := newMonitor(store.Snapshot{}, WithRecorder(rec))
	_, ok := m.Latest()
	assert.False(t, ok)

	_, err := m.Poll(context.Background())
	require.NoError(t, err)
	r, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(7), r.CommandsAccepted)
	assert.Equal(t, uint64(2), r.CommandsRejected)
	require.NotNil(t, r.LastCommandAt)
	assert.True(t, r.LastCommandAt.Equal(last))
}

type counterStub recorder.Counters

func (c counterStub) Counters() recorder.Counters { return recorder.Counters(c) }

func TestReportSinksAreFireAndForget(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Report
	)
	collect := ReportSinkFunc(func(_ context.Context, r Report) error {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		return nil
	})
	failing := ReportSinkFunc(func(context.Context, Report) error { return errors.New("webhook down") })
	panicking := ReportSinkFunc(func(context.Context, Report) error { panic("boom") })

	m := newMonitor(store.Snapshot{}, WithReportSinks(failing, panicking, collect, LogSink{}, MetricsSink{}))
	_, err := m.Poll(context.Background())
	require.NoError(t, err)
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.True(t, got[0].Healthy)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "diagnostic_report.json")
	m := newMonitor(store.Snapshot{Open: []event.Event{openEvent(t, event.KindNap, 6*time.Hour)}}, WithReportSinks(FileSink{Path: path}))
	_, err := m.Poll(context.Background())
	require.NoError(t, err)
	m.Wait()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, false, decoded["healthy"])
	alerts, ok := decoded["alerts"].([]any)
	require.True(t, ok)
	require.Len(t, alerts, 1)
	assert.Equal(t, "stuck_session", alerts[0].(map[string]any)["type"])
}

func TestProcessStats(t *testing.T) {
	m := New(Config{}, fakeSnap{}, WithClock(func() time.Time { return now }))
	r, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r.Process)
	assert.Equal(t, int32(os.Getpid()), r.Process.PID)
	assert.Positive(t, r.Process.Goroutines)
}

type downSink struct{}

func (downSink) Write(context.Context, sink.Point) error { return errors.New("connection refused") }
func (downSink) Close() error                            { return nil }
func (downSink) Ping(context.Context) error              { return errors.New("connection refused") }

// The time-series store is unreachable for the whole retry window: the report
// shows the backlog and the error while commands keep being accepted.
func TestOutageScenario(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	require.NoError(t, st.EnsureSchema(ctx))

	rec := recorder.New(st)
	w := writer.New(downSink{}, st, writer.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	m := New(Config{}, st, WithWriter(w), WithRecorder(rec), WithPinger(downSink{}), WithProcessStats(false))

	_, err = rec.Start(ctx, event.KindNap, recorder.StartOptions{At: time.Now().Add(-30 * time.Minute)})
	require.NoError(t, err)
	_, err = rec.Stop(ctx, event.KindNap, recorder.StopOptions{})
	require.NoError(t, err)
	_, _, err = w.FlushPending(ctx)
	require.Error(t, err)

	before, err := st.Snapshot(ctx)
	require.NoError(t, err)

	r, err := m.Poll(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.Pending, 1)
	assert.NotEmpty(t, r.LastFlushError)
	assert.True(t, r.HasAlert(AlertSinkUnreachable))

	_, err = rec.Start(ctx, event.KindBreastfeeding, recorder.StartOptions{})
	require.NoError(t, err, "commands keep working during the outage")

	after, err := st.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before.Pending), len(after.Pending), "polling never changes pipeline state")
}
