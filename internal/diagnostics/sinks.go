package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/cradle/internal/metrics"
)

// deliveryTimeout bounds one report delivery.
const deliveryTimeout = 5 * time.Second

// ReportSink receives health reports. Delivery is best effort: errors are
// logged and never reach the poller.
type ReportSink interface {
	Deliver(ctx context.Context, r Report) error
}

// ReportSinkFunc adapts a function to ReportSink.
type ReportSinkFunc func(ctx context.Context, r Report) error

func (f ReportSinkFunc) Deliver(ctx context.Context, r Report) error { return f(ctx, r) }

func (m *Monitor) deliver(ctx context.Context, r Report) {
	for _, s := range m.sinks {
		m.wg.Add(1)
		go func(s ReportSink) {
			defer m.wg.Done()
			defer func() {
				if p := recover(); p != nil {
					m.log.Error("report sink panicked", "sink", fmt.Sprintf("%T", s), "panic", p)
				}
			}()
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
			defer cancel()
			if err := s.Deliver(dctx, r); err != nil {
				m.log.Warn("report delivery failed", "sink", fmt.Sprintf("%T", s), "error", err)
			}
		}(s)
	}
}

// LogSink writes a summary line per report; warn level when alerts are active.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, r Report) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{
		"healthy", r.Healthy,
		"pending", r.Pending,
		"open", r.OpenByKind,
		"flushed_total", r.FlushedTotal,
	}
	if r.LastFlushError != "" {
		attrs = append(attrs, "last_flush_error", r.LastFlushError)
	}
	if len(r.Alerts) == 0 {
		l.DebugContext(ctx, "health report", attrs...)
		return nil
	}
	for _, a := range r.Alerts {
		l.WarnContext(ctx, "health alert", "type", a.Type, "kind", a.Kind, "message", a.Message)
	}
	l.WarnContext(ctx, "health report", attrs...)
	return nil
}

// FileSink rewrites a JSON report file on every poll.
type FileSink struct {
	Path string
}

func (s FileSink) Deliver(ctx context.Context, r Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

// MetricsSink mirrors a report into the Prometheus gauges.
type MetricsSink struct{}

func (MetricsSink) Deliver(_ context.Context, r Report) error {
	metrics.SetPending(r.Pending)
	for k, n := range r.OpenByKind {
		metrics.SetOpen(string(k), n)
	}
	for _, t := range AlertTypes() {
		metrics.SetAlert(string(t), r.HasAlert(t))
	}
	return nil
}
