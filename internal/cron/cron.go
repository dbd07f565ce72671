package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is the body of a scheduled job. ctx is cancelled when the scheduler stops.
type Task func(ctx context.Context) error

// Job is a named periodic task.
// Runs of the same job never overlap: a tick that arrives while the previous
// run is active is skipped, and a Trigger during a run queues one rerun.
type Job struct {
	Name     string
	Schedule string
	Run      Task

	running atomic.Bool
	again   atomic.Bool
	runs    atomic.Uint64
	lastErr atomic.Value // string
}

// Runs returns how many times the job body has completed.
func (j *Job) Runs() uint64 { return j.runs.Load() }

// LastError returns the error text of the latest failed run, or "".
func (j *Job) LastError() string {
	if v, ok := j.lastErr.Load().(string); ok {
		return v
	}
	return ""
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Every renders a fixed-interval schedule.
func Every(d time.Duration) string { return "@every " + d.String() }

// parseSchedule validates a cron expression or descriptor like "@every 30s".
func parseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	if strings.HasPrefix(expr, "@every ") {
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
		if err != nil {
			return nil, fmt.Errorf("invalid @every duration: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("@every duration must be > 0")
		}
	}
	return parser.Parse(expr)
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s requires a task", j.Name)
	}
	if _, err := parseSchedule(j.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	return nil
}

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler runs jobs on robfig/cron. Stop cancels the shared context, which
// abandons in-flight retry sequences, and waits for running jobs.
type Scheduler struct {
	loc  *time.Location
	log  *slog.Logger
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		loc:  time.Local,
		log:  slog.Default(),
		jobs: make(map[string]*Job),
	}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithLocation(s.loc), cron.WithParser(parser))
	return s
}

// Add registers job. Jobs must be added before Start.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if _, err := s.cron.AddJob(job.Schedule, cron.FuncJob(func() { s.run(job) })); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.order = append(s.order, job.Name)
	return nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler stopped")
	}
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.cron.Start()
	s.log.Info("Scheduler started", "jobs", strings.Join(s.order, ","))
	return nil
}

// Trigger runs the named job now without waiting for it. It reports false
// when the job is unknown or the scheduler is not running.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	live := s.started && !s.stopped
	s.mu.Unlock()
	if !ok || !live {
		return false
	}
	go s.run(j)
	return true
}

// Job returns the named job.
func (s *Scheduler) Job(name string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return j, ok
}

func (s *Scheduler) run(j *Job) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	for {
		if !j.running.CompareAndSwap(false, true) {
			j.again.Store(true)
			s.log.Debug("Skipping job run, previous run still active", "job", j.Name)
			return
		}
		// this run serves every request queued so far
		j.again.Store(false)
		for {
			s.runOnce(j)
			if s.ctx.Err() != nil || !j.again.Swap(false) {
				break
			}
		}
		j.running.Store(false)
		// a request that landed between the last check and the release
		// found running set; pick it up instead of waiting for the next tick
		if s.ctx.Err() != nil || !j.again.Load() {
			return
		}
	}
}

func (s *Scheduler) runOnce(j *Job) {
	defer func() {
		if p := recover(); p != nil {
			j.lastErr.Store(fmt.Sprint(p))
			s.log.Error("Job panicked", "job", j.Name, "panic", p)
		}
	}()
	start := time.Now()
	err := j.Run(s.ctx)
	j.runs.Add(1)
	if err != nil {
		j.lastErr.Store(err.Error())
		if s.ctx.Err() != nil {
			s.log.Info("Job interrupted by shutdown", "job", j.Name, "error", err)
			return
		}
		s.log.Warn("Job failed", "job", j.Name, "duration", time.Since(start), "error", err)
		return
	}
	j.lastErr.Store("")
	s.log.Debug("Job completed", "job", j.Name, "duration", time.Since(start))
}

// Stop cancels running jobs and waits for them to return. Safe to call twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}
