// Package recovery runs the periodic jobs that keep the engine converging: the
// outbox relay and the sweeps that find stuck work and requeue or terminate it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/metrics"
	"github.com/allisson/effectd/internal/tracing"
)

// ErrUnknownJob is returned by RunOnce for a name that was never registered.
var ErrUnknownJob = apperrors.Wrap(apperrors.ErrNotFound, "unknown job")

// Job is a unit of periodic work. A job with Cron set runs at the times of the
// cron schedule; otherwise it waits Interval after each run finishes.
type Job struct {
	Name     string
	Enabled  bool
	Interval time.Duration
	Cron     string
	Run      func(ctx context.Context) error
}

type scheduledJob struct {
	Job
	schedule cron.Schedule
}

// Scheduler runs registered jobs, one goroutine each.
type Scheduler struct {
	logger  *slog.Logger
	metrics metrics.BusinessMetrics
	now     func() time.Time

	mu   sync.Mutex
	jobs map[string]*scheduledJob
}

// NewScheduler creates a new Scheduler.
func NewScheduler(logger *slog.Logger, businessMetrics metrics.BusinessMetrics) *Scheduler {
	if businessMetrics == nil {
		businessMetrics = metrics.NewNoOpBusinessMetrics()
	}
	return &Scheduler{
		logger:  logger,
		metrics: businessMetrics,
		now:     time.Now,
		jobs:    make(map[string]*scheduledJob),
	}
}

// Register adds job. Disabled jobs are kept for RunOnce but never scheduled.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "job name is required")
	}
	if job.Run == nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("job %s has no run function", job.Name))
	}

	sj := &scheduledJob{Job: job}
	if job.Cron != "" {
		schedule, err := cron.ParseStandard(job.Cron)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("job %s: invalid cron %q: %v", job.Name, job.Cron, err))
		}
		sj.schedule = schedule
	} else if job.Enabled && job.Interval <= 0 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("job %s needs an interval or a cron expression", job.Name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return apperrors.Wrap(apperrors.ErrConflict, fmt.Sprintf("job %s already registered", job.Name))
	}
	s.jobs[job.Name] = sj
	return nil
}

// Names returns the registered job names in order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run schedules every enabled job and blocks until ctx is done. Failed runs are
// logged and never stop the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*scheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Enabled {
			jobs = append(jobs, job)
		} else {
			s.logger.InfoContext(ctx, "job disabled", slog.String("sweep", job.Name))
		}
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

// RunOnce runs the named job immediately, enabled or not.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return apperrors.Wrap(ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) loop(ctx context.Context, job *scheduledJob) {
	logger := s.logger.With(slog.String("sweep", job.Name))
	if job.schedule != nil {
		logger.InfoContext(ctx, "job scheduled", slog.String("cron", job.Cron))
	} else {
		logger.InfoContext(ctx, "job scheduled", slog.Duration("interval", job.Interval))
	}

	for {
		if job.schedule == nil {
			_ = s.execute(ctx, job)
		}

		timer := time.NewTimer(s.nextDelay(job))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoContext(ctx, "job stopped")
			return
		case <-timer.C:
		}

		if job.schedule != nil {
			_ = s.execute(ctx, job)
		}
	}
}

func (s *Scheduler) nextDelay(job *scheduledJob) time.Duration {
	if job.schedule == nil {
		return job.Interval
	}
	now := s.now()
	return job.schedule.Next(now).Sub(now)
}

// execute runs job once under its own span, recovering panics.
func (s *Scheduler) execute(ctx context.Context, job *scheduledJob) (err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "recovery.run", attribute.String("sweep", job.Name))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		tracing.End(span, err)

		status := "success"
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			status = "cancelled"
		default:
			status = "error"
			s.logger.ErrorContext(ctx, "job run failed", slog.String("sweep", job.Name), slog.Any("error", err))
		}
		s.metrics.RecordOperation(ctx, "recovery", job.Name, status)
		s.metrics.RecordDuration(ctx, "recovery", job.Name, time.Since(start), status)
	}()

	return job.Run(ctx)
}
