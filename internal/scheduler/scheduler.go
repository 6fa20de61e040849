// Package scheduler runs the periodic jobs of the service: the daily sync, the
// midnight housekeeping and the GTFS-RT regeneration.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"amarillo.mfdz.de/internal/logging"
)

type JobFunc func(ctx context.Context) error

type Metrics interface {
	JobRun(job string, d time.Duration, err error)
	JobSkippedInc(job string)
}

type Option func(*Scheduler)

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJobTimeout bounds every single run. Zero means no timeout.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.jobTimeout = d }
}

type job struct {
	name    string
	run     JobFunc
	next    func(now time.Time) time.Time
	running atomic.Bool
}

type Scheduler struct {
	jobs       []*job
	metrics    Metrics
	now        func() time.Time
	jobTimeout time.Duration
	logger     *slog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	started      atomic.Bool
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func New(logger *slog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		now:          time.Now,
		logger:       logging.ForComponent(logger, "scheduler"),
		ctx:          ctx,
		cancel:       cancel,
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every runs fn each interval, the first time one interval after Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) {
	if interval <= 0 {
		panic(fmt.Sprintf("scheduler: job %s needs a positive interval", name))
	}
	s.add(name, fn, func(now time.Time) time.Time { return now.Add(interval) })
}

// DailyAt runs fn once a day at the given wall clock offset from midnight in loc.
func (s *Scheduler) DailyAt(name string, at time.Duration, loc *time.Location, fn JobFunc) {
	if loc == nil {
		loc = time.Local
	}
	s.add(name, fn, func(now time.Time) time.Time { return NextDaily(now, at, loc) })
}

func (s *Scheduler) add(name string, fn JobFunc, next func(time.Time) time.Time) {
	if s.started.Load() {
		panic("scheduler: jobs must be added before Start")
	}
	s.jobs = append(s.jobs, &job{name: name, run: fn, next: next})
}

// NextDaily returns the first instant after now whose wall clock in loc is at.
func NextDaily(now time.Time, at time.Duration, loc *time.Location) time.Time {
	local := now.In(loc)
	h, m, sec := int(at/time.Hour), int(at/time.Minute)%60, int(at/time.Second)%60
	next := time.Date(local.Year(), local.Month(), local.Day(), h, m, sec, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, h, m, sec, 0, loc)
	}
	return next
}

// Start launches one timer loop per job. Runs of different jobs may overlap;
// a job whose previous run has not finished is skipped.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(j)
	}
	logging.LogOperation(s.logger, "scheduler_started", slog.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) loop(j *job) {
	defer s.wg.Done()

	for {
		now := s.now()
		timer := time.NewTimer(max(j.next(now).Sub(now), 0))
		select {
		case <-timer.C:
			s.trigger(j)
		case <-s.shutdownChan:
			timer.Stop()
			return
		}
	}
}

// RunNow triggers a job outside its schedule, with the same skip rule.
func (s *Scheduler) RunNow(name string) bool {
	for _, j := range s.jobs {
		if j.name == name {
			return s.trigger(j)
		}
	}
	return false
}

func (s *Scheduler) trigger(j *job) bool {
	if !j.running.CompareAndSwap(false, true) {
		logging.LogOperation(s.logger, "job_skipped_still_running", slog.String("job", j.name))
		if s.metrics != nil {
			s.metrics.JobSkippedInc(j.name)
		}
		return false
	}

	select {
	case <-s.shutdownChan:
		j.running.Store(false)
		return false
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		s.execute(j)
	}()
	return true
}

func (s *Scheduler) execute(j *job) {
	ctx := s.ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}
	logger := s.logger.With(slog.String("job", j.name))
	ctx = logging.WithLogger(ctx, logger)

	start := s.now()
	err := s.safeRun(ctx, j)
	duration := s.now().Sub(start)

	if s.metrics != nil {
		s.metrics.JobRun(j.name, duration, err)
	}
	if err != nil {
		logging.LogError(logger, "Scheduled job failed", err, slog.Duration("duration", duration))
		return
	}
	logging.LogOperation(logger, "job_finished", slog.Duration("duration", duration))
}

func (s *Scheduler) safeRun(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.run(ctx)
}

// Shutdown stops all timers, cancels running jobs and waits for them to return.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		s.cancel()
		s.wg.Wait()
		logging.LogOperation(s.logger, "scheduler_stopped")
	})
}
