// Package jobs runs the periodic background work: escalation sweeps,
// delivery retries, metrics aggregation, reminders and retention.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// LockTTL bounds how long a crashed run can hold the lease. Live runs
	// refresh it every LockTTL/3. Defaults to the interval.
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler triggers each registered job on its own ticker. A run that cannot
// take the job's lock is skipped, never queued.
type Scheduler struct {
	locker Locker
	logger zerolog.Logger
	jobs   []Job

	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewScheduler(locker Locker, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		locker: locker,
		logger: logger.With().Str("component", "scheduler").Logger(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "job_runs_total",
			Help:      "Background job runs by outcome.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "triage",
			Name:      "job_duration_seconds",
			Help:      "Background job run duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

// Collectors exposes the scheduler metrics for registration.
func (s *Scheduler) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.runs, s.duration}
}

func (s *Scheduler) Register(j Job) {
	if j.LockTTL <= 0 {
		j.LockTTL = j.Interval
	}
	s.jobs = append(s.jobs, j)
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start blocks until ctx is cancelled and every in-flight run has returned.
func (s *Scheduler) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	s.logger.Info().Strs("jobs", s.Jobs()).Msg("scheduler started")
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, j)
		}
	}
}

// RunOnce runs the named job immediately, still honouring its lock.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.execute(ctx, j)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

var (
	// ErrSkipped is returned by RunOnce when another run holds the lock.
	ErrSkipped = errors.New("job skipped: lock held")
	// ErrLeaseLost is the cancellation cause of a run whose lock expired or
	// was taken over.
	ErrLeaseLost = errors.New("job lock lost")
)

func (s *Scheduler) execute(ctx context.Context, j Job) error {
	lease, ok, err := s.locker.TryLock(ctx, j.Name, j.LockTTL)
	if err != nil {
		s.runs.WithLabelValues(j.Name, "lock_error").Inc()
		s.logger.Error().Err(err).Str("job", j.Name).Msg("job lock failed")
		return err
	}
	if !ok {
		s.runs.WithLabelValues(j.Name, "skipped").Inc()
		s.logger.Debug().Str("job", j.Name).Msg("job skipped, previous run still active")
		return ErrSkipped
	}
	defer lease.Release()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := s.keepAlive(runCtx, j, lease, cancel)

	start := time.Now()
	err = j.Run(runCtx)
	stop()
	s.duration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	if errors.Is(context.Cause(runCtx), ErrLeaseLost) {
		if err == nil {
			err = ErrLeaseLost
		} else {
			err = fmt.Errorf("%w: %w", ErrLeaseLost, err)
		}
	}
	if err != nil {
		s.runs.WithLabelValues(j.Name, "error").Inc()
		s.logger.Error().Err(err).Str("job", j.Name).Dur("elapsed", time.Since(start)).Msg("job failed")
		return err
	}
	s.runs.WithLabelValues(j.Name, "ok").Inc()
	s.logger.Debug().Str("job", j.Name).Dur("elapsed", time.Since(start)).Msg("job completed")
	return nil
}

// keepAlive refreshes the lease every LockTTL/3 until stop is called. If the
// lease is lost, or cannot be refreshed for a whole TTL, the run is
// cancelled with ErrLeaseLost.
func (s *Scheduler) keepAlive(ctx context.Context, j Job, lease Lease, cancel context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(j.LockTTL/3, time.Millisecond))
		defer ticker.Stop()
		renewed := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := lease.Refresh(ctx, j.LockTTL)
			if ok && err == nil {
				renewed = time.Now()
				continue
			}
			if ok && time.Since(renewed) < j.LockTTL {
				s.logger.Warn().Err(err).Str("job", j.Name).Msg("job lock refresh failed")
				continue
			}
			s.runs.WithLabelValues(j.Name, "lease_lost").Inc()
			s.logger.Error().Err(err).Str("job", j.Name).Msg("job lock lost, cancelling run")
			cancel(ErrLeaseLost)
			return
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
