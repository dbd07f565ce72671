// Package diagnostics polls the pipeline and produces health reports. It only
// reads: no code path here writes to the store, the sink or the counters.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/recorder"
	"github.com/loykin/cradle/internal/sink"
	"github.com/loykin/cradle/internal/store"
	"github.com/loykin/cradle/internal/writer"
)

// Snapshotter provides a read-consistent view of open and pending events.
type Snapshotter interface {
	Snapshot(ctx context.Context) (store.Snapshot, error)
}

// FlushStats exposes the writer counters.
type FlushStats interface {
	Stats() writer.Stats
}

// CommandStats exposes the recorder counters.
type CommandStats interface {
	Counters() recorder.Counters
}

// Config holds the alert thresholds.
type Config struct {
	MaxSession       map[event.Kind]time.Duration
	BacklogThreshold int
	StaleAfter       time.Duration
	PingTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSession: map[event.Kind]time.Duration{
			event.KindNap:           4 * time.Hour,
			event.KindBreastfeeding: 90 * time.Minute,
		},
		BacklogThreshold: 3,
		StaleAfter:       time.Hour,
		PingTimeout:      3 * time.Second,
	}
}

type Option func(*Monitor)

func WithWriter(w FlushStats) Option { return func(m *Monitor) { m.writer = w } }

func WithRecorder(r CommandStats) Option { return func(m *Monitor) { m.recorder = r } }

// WithPinger enables the sink reachability probe.
func WithPinger(p sink.Pinger) Option { return func(m *Monitor) { m.pinger = p } }

func WithReportSinks(s ...ReportSink) Option {
	return func(m *Monitor) { m.sinks = append(m.sinks, s...) }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithProcessStats toggles the gopsutil process sample (on by default).
func WithProcessStats(enabled bool) Option {
	return func(m *Monitor) { m.processStats = enabled }
}

type Monitor struct {
	cfg          Config
	store        Snapshotter
	writer       FlushStats
	recorder     CommandStats
	pinger       sink.Pinger
	sinks        []ReportSink
	now          func() time.Time
	log          *slog.Logger
	processStats bool
	probe        *processProbe

	mu     sync.RWMutex
	latest *Report

	wg sync.WaitGroup
}

func New(cfg Config, st Snapshotter, opts ...Option) *Monitor {
	d := DefaultConfig()
	if cfg.MaxSession == nil {
		cfg.MaxSession = d.MaxSession
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = d.BacklogThreshold
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = d.PingTimeout
	}
	m := &Monitor{
		cfg:          cfg,
		store:        st,
		now:          time.Now,
		log:          slog.Default(),
		processStats: true,
	}
	for _, o := range opts {
		o(m)
	}
	if m.processStats {
		m.probe = newProcessProbe(m.now())
	}
	return m
}

// Poll builds a report from one store snapshot and the current counters,
// remembers it as the latest and hands it to every report sink.
func (m *Monitor) Poll(ctx context.Context) (Report, error) {
	now := m.now().UTC()
	snap, err := m.store.Snapshot(ctx)
	if err != nil {
		m.log.Error("diagnostics snapshot failed", "error", err)
		return Report{}, fmt.Errorf("diagnostics snapshot: %w", err)
	}

	r := Report{
		GeneratedAt: now,
		OpenByKind:  make(map[event.Kind]int, len(event.Kinds())),
		Pending:     len(snap.Pending),
	}
	for _, k := range event.Kinds() {
		r.OpenByKind[k] = 0
	}
	for _, e := range snap.Open {
		r.OpenByKind[e.Kind]++
		if age := e.Age(now); age > r.OldestOpenAge {
			r.OldestOpenAge = age
		}
	}
	r.OldestOpenSeconds = int64(r.OldestOpenAge / time.Second)

	var ws writer.Stats
	if m.writer != nil {
		ws = m.writer.Stats()
		r.LastFlushSuccess = timePtr(ws.LastSuccess)
		r.LastFlushError = ws.LastError
		r.LastFlushErrorAt = timePtr(ws.LastErrorAt)
		r.FlushAttempts = ws.Attempts
		r.FlushedTotal = ws.Flushed
		r.FlushFailures = ws.Failures
	}
	if m.recorder != nil {
		c := m.recorder.Counters()
		r.CommandsAccepted = c.Accepted
		r.CommandsRejected = c.Rejected
		r.LastCommandAt = timePtr(c.LastCommandAt)
	}
	var pingErr error
	if m.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
		pingErr = m.pinger.Ping(pctx)
		cancel()
		ok := pingErr == nil
		r.SinkReachable = &ok
	}
	if m.probe != nil {
		r.Process = m.probe.sample(now)
	}

	r.Alerts = m.evaluate(now, snap, ws, pingErr)
	r.Checks = checks(r, pingErr)
	r.Healthy = len(r.Alerts) == 0
	for _, c := range r.Checks {
		r.Healthy = r.Healthy && c.OK
	}

	m.mu.Lock()
	latest := r
	m.latest = &latest
	m.mu.Unlock()

	m.deliver(ctx, r)
	return r, nil
}

// Latest returns the most recent report, if any poll has completed.
func (m *Monitor) Latest() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Report{}, false
	}
	return *m.latest, true
}

// Wait blocks until in-flight report deliveries finish.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) evaluate(now time.Time, snap store.Snapshot, ws writer.Stats, pingErr error) []Alert {
	alerts := make([]Alert, 0)
	for _, e := range snap.Open {
		limit, ok := m.cfg.MaxSession[e.Kind]
		if !ok || limit <= 0 {
			continue
		}
		if age := e.Age(now); age > limit {
			alerts = append(alerts, Alert{
				Type:    AlertStuckSession,
				Kind:    e.Kind,
				Message: fmt.Sprintf("%s open for %s (max %s), missed stop?", e.Kind, age.Round(time.Minute), limit),
			})
		}
	}
	if n := len(snap.Pending); n > m.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:    AlertBacklog,
			Message: fmt.Sprintf("%d events waiting to flush (threshold %d)", n, m.cfg.BacklogThreshold),
		})
	}
	if stalled, msg := m.stalled(now, snap, ws); stalled {
		alerts = append(alerts, Alert{Type: AlertStalled, Message: msg})
	}
	if pingErr != nil {
		alerts = append(alerts, Alert{Type: AlertSinkUnreachable, Message: pingErr.Error()})
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Type < alerts[j].Type })
	return alerts
}

// stalled fires only with a backlog: the oldest pending event has waited
// longer than StaleAfter and no flush succeeded within StaleAfter.
func (m *Monitor) stalled(now time.Time, snap store.Snapshot, ws writer.Stats) (bool, string) {
	if len(snap.Pending) == 0 {
		return false, ""
	}
	var oldest time.Time
	for _, e := range snap.Pending {
		at := e.StartedAt
		if e.EndedAt != nil {
			at = *e.EndedAt
		}
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	waiting := now.Sub(oldest)
	if waiting <= m.cfg.StaleAfter {
		return false, ""
	}
	if ws.LastSuccess.IsZero() {
		return true, fmt.Sprintf("no successful flush yet, oldest pending event waiting %s", waiting.Round(time.Second))
	}
	if since := now.Sub(ws.LastSuccess); since > m.cfg.StaleAfter {
		return true, fmt.Sprintf("last successful flush %s ago, oldest pending event waiting %s", since.Round(time.Second), waiting.Round(time.Second))
	}
	return false, ""
}

func checks(r Report, pingErr error) []Check {
	out := []Check{{Name: "store", OK: true, Message: fmt.Sprintf("%d open, %d pending", sum(r.OpenByKind), r.Pending)}}
	if r.SinkReachable != nil {
		c := Check{Name: "sink", OK: *r.SinkReachable}
		if pingErr != nil {
			c.Message = pingErr.Error()
		}
		out = append(out, c)
	}
	flush := Check{Name: "flush", OK: !r.HasAlert(AlertStalled) && !r.HasAlert(AlertBacklog)}
	if r.LastFlushError != "" {
		flush.Message = "last error: " + r.LastFlushError
	}
	out = append(out, flush)
	out = append(out, Check{Name: "sessions", OK: !r.HasAlert(AlertStuckSession)})
	return out
}

func sum(m map[event.Kind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
