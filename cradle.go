// Package cradle wires the event pipeline: recorder, durable store, flush
// writer, diagnostics, scheduler and HTTP API. Embedders use New and Run;
// the cradle binary does the same from `cradle serve`.
package cradle

import (
	"context"
	stdtls "crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/cradle/internal/auth"
	"github.com/loykin/cradle/internal/config"
	"github.com/loykin/cradle/internal/cron"
	"github.com/loykin/cradle/internal/diagnostics"
	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/logger"
	"github.com/loykin/cradle/internal/metrics"
	"github.com/loykin/cradle/internal/recorder"
	"github.com/loykin/cradle/internal/server"
	"github.com/loykin/cradle/internal/sink"
	sinkfactory "github.com/loykin/cradle/internal/sink/factory"
	"github.com/loykin/cradle/internal/store"
	storefactory "github.com/loykin/cradle/internal/store/factory"
	"github.com/loykin/cradle/internal/tls"
	"github.com/loykin/cradle/internal/writer"
)

// Re-export core types for external consumers.

type Config = config.Config

type Event = event.Event

type Kind = event.Kind

type Report = diagnostics.Report

type StartOptions = recorder.StartOptions

type StopOptions = recorder.StopOptions

const (
	KindNap           = event.KindNap
	KindBreastfeeding = event.KindBreastfeeding
)

// Scheduler task names.
const (
	TaskFlush       = "flush"
	TaskEvict       = "evict"
	TaskDiagnostics = "diagnostics"
)

func LoadConfig(path string) (Config, error) { return config.Load(path) }

func ParseKind(s string) (Kind, error) { return event.ParseKind(s) }

type Option func(*App)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(a *App) { a.log = l } }

// WithSink replaces the sink built from sink.dsn.
func WithSink(s sink.Sink) Option { return func(a *App) { a.sink = s } }

// WithoutHTTP skips the API and metrics listeners.
func WithoutHTTP() Option { return func(a *App) { a.noHTTP = true } }

// App is one running pipeline.
type App struct {
	cfg       Config
	log       *slog.Logger
	logCloser io.Closer
	noHTTP    bool

	store    store.Store
	sink     sink.Sink
	writer   *writer.Writer
	recorder *recorder.Recorder
	monitor  *diagnostics.Monitor
	sched    *cron.Scheduler
	router   *server.Router
	tlsCfg   *stdtls.Config

	mu         sync.Mutex
	apiSrv     *http.Server
	metricsSrv *http.Server
	apiAddr    net.Addr
	closeOnce  sync.Once
	closeErr   error
}

// New opens the store and the sink and assembles the pipeline. Nothing runs
// until Run.
func New(ctx context.Context, cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		l, c, err := logger.New(cfg.Log, nil)
		if err != nil {
			return nil, err
		}
		a.log, a.logCloser = l, c
	}

	st, err := storefactory.Open(ctx, cfg.Store.DSN)
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	if a.sink == nil {
		sk, err := sinkfactory.NewSinkFromDSN(cfg.Sink.DSN, cfg.SinkOptions())
		if err != nil {
			_ = st.Close()
			a.closeLog()
			return nil, fmt.Errorf("open sink: %w", err)
		}
		a.sink = sk
	}

	a.sched = cron.NewScheduler(cron.WithLocation(cfg.Location()), cron.WithLogger(a.log.With("component", "scheduler")))
	a.writer = writer.New(a.sink, a.store, cfg.WriterConfig(), writer.WithLogger(a.log.With("component", "writer")))
	a.recorder = recorder.New(a.store,
		recorder.WithLogger(a.log.With("component", "recorder")),
		recorder.WithOnClose(func(event.Event) { a.sched.Trigger(TaskFlush) }),
	)

	reportSinks := []diagnostics.ReportSink{
		diagnostics.LogSink{Logger: a.log.With("component", "diagnostics")},
		diagnostics.MetricsSink{},
	}
	if cfg.Diagnostics.ReportFile != "" {
		reportSinks = append(reportSinks, diagnostics.FileSink{Path: cfg.Diagnostics.ReportFile})
	}
	mopts := []diagnostics.Option{
		diagnostics.WithWriter(a.writer),
		diagnostics.WithRecorder(a.recorder),
		diagnostics.WithReportSinks(reportSinks...),
		diagnostics.WithLogger(a.log.With("component", "diagnostics")),
	}
	if p, ok := a.sink.(sink.Pinger); ok {
		mopts = append(mopts, diagnostics.WithPinger(p))
	}
	a.monitor = diagnostics.New(cfg.DiagnosticsConfig(), a.store, mopts...)

	authn, err := auth.New(cfg.Server.Auth)
	if err == nil {
		a.tlsCfg, err = tls.Setup(cfg.Server.TLS)
	}
	if err == nil {
		err = a.addJobs()
	}
	if err != nil {
		_ = a.sink.Close()
		_ = st.Close()
		a.closeLog()
		return nil, err
	}
	if !authn.Enabled() {
		a.log.Warn("API authentication disabled: no server.auth.token_hashes configured")
	}
	a.router = server.NewRouter(a.recorder, a.monitor, cfg.Server.BasePath,
		server.WithFlushTrigger(func() bool { return a.sched.Trigger(TaskFlush) }),
		server.WithMiddleware(authn.GinAuth()),
		server.WithLogger(a.log.With("component", "http")),
	)
	return a, nil
}

func (a *App) addJobs() error {
	jobs := []*cron.Job{
		{Name: TaskFlush, Schedule: cron.Every(a.cfg.Writer.FlushInterval), Run: a.flushCycle},
		{Name: TaskEvict, Schedule: cron.Every(a.cfg.Store.SweepInterval), Run: a.Sweep},
		{Name: TaskDiagnostics, Schedule: cron.Every(a.cfg.Diagnostics.Interval), Run: func(ctx context.Context) error {
			_, err := a.monitor.Poll(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := a.sched.Add(j); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) flushCycle(ctx context.Context) error {
	n, remaining, err := a.writer.FlushPending(ctx)
	if n > 0 || len(remaining) > 0 {
		a.log.Info("Flush cycle finished", "flushed", n, "remaining", len(remaining))
	}
	return err
}

// Run starts the scheduler and the listeners and blocks until ctx is done
// or a listener fails. It always closes the app before returning.
func (a *App) Run(ctx context.Context) error {
	if err := a.sched.Start(); err != nil {
		return err
	}
	errCh := make(chan error, 2)
	if !a.noHTTP {
		if err := a.listen(errCh); err != nil {
			_ = a.Close()
			return err
		}
	}
	// first report right away so /health has data
	a.sched.Trigger(TaskDiagnostics)
	a.sched.Trigger(TaskFlush)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutting down", "reason", ctx.Err())
	case runErr = <-errCh:
		a.log.Error("Listener failed", "error", runErr)
	}
	return errors.Join(runErr, a.Close())
}

func (a *App) listen(errCh chan<- error) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
	}
	if a.tlsCfg != nil {
		ln = stdtls.NewListener(ln, a.tlsCfg)
	}
	api := server.NewServer(a.cfg.Server.Listen, a.router.Handler())
	a.mu.Lock()
	a.apiSrv, a.apiAddr = api, ln.Addr()
	a.mu.Unlock()
	go serve(api, ln, errCh)
	a.log.Info("HTTP API listening", "addr", ln.Addr().String(), "base_path", a.cfg.Server.BasePath, "tls", a.tlsCfg != nil)

	if !a.cfg.Metrics.Enabled {
		return nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mln, err := net.Listen("tcp", a.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Metrics.Listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	ms := server.NewServer(a.cfg.Metrics.Listen, mux)
	a.mu.Lock()
	a.metricsSrv = ms
	a.mu.Unlock()
	go serve(ms, mln, errCh)
	a.log.Info("Metrics listening", "addr", mln.Addr().String())
	return nil
}

func serve(s *http.Server, ln net.Listener, errCh chan<- error) {
	if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- err
	}
}

// Close stops the scheduler (abandoning in-flight retries), waits for running
// tasks and report deliveries, shuts the listeners down and closes the sink
// and the store. Open and pending events stay in the store for the next run.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.sched.Stop()
		a.monitor.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		a.mu.Lock()
		for _, s := range []*http.Server{a.apiSrv, a.metricsSrv} {
			if s != nil {
				errs = append(errs, s.Shutdown(ctx))
			}
		}
		a.mu.Unlock()
		errs = append(errs, a.sink.Close(), a.store.Close())
		a.closeLog()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeLog() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// APIAddr returns the bound API address once Run is listening.
func (a *App) APIAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apiAddr
}

func (a *App) Handler() http.Handler { return a.router.Handler() }

func (a *App) Start(ctx context.Context, kind Kind, opt StartOptions) (Event, error) {
	return a.recorder.Start(ctx, kind, opt)
}

func (a *App) Stop(ctx context.Context, kind Kind, opt StopOptions) (Event, error) {
	return a.recorder.Stop(ctx, kind, opt)
}

func (a *App) Amend(ctx context.Context, kind Kind, patch map[string]any) (Event, error) {
	return a.recorder.Amend(ctx, kind, patch)
}

func (a *App) Open(ctx context.Context) ([]Event, error) { return a.recorder.Open(ctx) }

// Health polls the diagnostics monitor.
func (a *App) Health(ctx context.Context) (Report, error) { return a.monitor.Poll(ctx) }

// Flush runs one flush cycle synchronously and returns the events that remain pending.
func (a *App) Flush(ctx context.Context) ([]Event, error) {
	_, remaining, err := a.writer.FlushPending(ctx)
	return remaining, err
}

// Sweep evicts flushed events older than store.retention.
func (a *App) Sweep(ctx context.Context) error {
	_, err := store.Sweep(ctx, a.store, a.cfg.Store.Retention, time.Now())
	return err
}
