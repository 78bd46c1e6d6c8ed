package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/allisson/effectd/internal/config"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/metrics"
	outboxUseCase "github.com/allisson/effectd/internal/outbox/usecase"
	taskUseCase "github.com/allisson/effectd/internal/task/usecase"
	uploadUseCase "github.com/allisson/effectd/internal/upload/usecase"
)

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Scanned   int
	Recovered int
	Skipped   int
	Failed    int
}

// Sweep finds stuck work and repairs it. Per-item failures are counted in the
// result; the returned error is reserved for the scan itself.
type Sweep func(ctx context.Context) (SweepResult, error)

// Sweeps builds the recovery sweeps over the use cases.
type Sweeps struct {
	outbox  outboxUseCase.UseCase
	tasks   taskUseCase.UseCase
	uploads uploadUseCase.UseCase
	logger  *slog.Logger
}

// NewSweeps creates a new Sweeps.
func NewSweeps(
	outbox outboxUseCase.UseCase,
	tasks taskUseCase.UseCase,
	uploads uploadUseCase.UseCase,
	logger *slog.Logger,
) *Sweeps {
	return &Sweeps{outbox: outbox, tasks: tasks, uploads: uploads, logger: logger}
}

// StaleOutbox finds records stuck in PROCESSING for longer than olderThan.
// Records already in the delivery ledger are completed; the rest go back to PENDING.
func (s *Sweeps) StaleOutbox(olderThan time.Duration, batchSize int) Sweep {
	return func(ctx context.Context) (SweepResult, error) {
		var result SweepResult
		records, err := s.outbox.ListStale(ctx, olderThan, batchSize)
		if err != nil {
			return result, err
		}
		result.Scanned = len(records)

		for _, record := range records {
			completed, err := s.outbox.RecoverStale(ctx, record)
			if s.tally(ctx, &result, err, slog.String("outbox_id", record.ID.String())) {
				continue
			}
			s.logger.InfoContext(ctx, "stale outbox record recovered",
				slog.String("outbox_id", record.ID.String()),
				slog.Bool("completed", completed),
			)
		}
		return result, nil
	}
}

// TaskExhaustion times out tasks that spent their attempts and sat idle for idleFor.
func (s *Sweeps) TaskExhaustion(idleFor time.Duration, batchSize int) Sweep {
	return func(ctx context.Context) (SweepResult, error) {
		var result SweepResult
		tasks, err := s.tasks.ListExhausted(ctx, idleFor, batchSize)
		if err != nil {
			return result, err
		}
		result.Scanned = len(tasks)

		for _, task := range tasks {
			err := s.tasks.TimeOut(ctx, task)
			s.tally(ctx, &result, err, slog.String("task_id", task.ID.String()))
		}
		return result, nil
	}
}

// TaskTimeout redispatches tasks with attempts left that stayed QUEUED or
// PROCESSING past their own timeout.
func (s *Sweeps) TaskTimeout(batchSize int) Sweep {
	return func(ctx context.Context) (SweepResult, error) {
		var result SweepResult
		tasks, err := s.tasks.ListOverdue(ctx, batchSize)
		if err != nil {
			return result, err
		}
		result.Scanned = len(tasks)

		for _, task := range tasks {
			err := s.tasks.Redispatch(ctx, task)
			if s.tally(ctx, &result, err, slog.String("task_id", task.ID.String())) {
				continue
			}
			s.logger.InfoContext(ctx, "overdue task redispatched",
				slog.String("task_id", task.ID.String()),
				slog.Int("dispatch", task.DispatchCount),
			)
		}
		return result, nil
	}
}

// SessionExpiry expires upload sessions past their deadline whose expiry
// notification was lost.
func (s *Sweeps) SessionExpiry(batchSize int) Sweep {
	return func(ctx context.Context) (SweepResult, error) {
		var result SweepResult
		sessions, err := s.uploads.ListExpired(ctx, batchSize)
		if err != nil {
			return result, err
		}
		result.Scanned = len(sessions)

		for _, session := range sessions {
			err := s.uploads.Expire(ctx, session.ID)
			s.tally(ctx, &result, err, slog.String("session_id", session.ID.String()))
		}
		return result, nil
	}
}

// OutboxRelay runs one relay tick.
func (s *Sweeps) OutboxRelay() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		result, err := s.outbox.ProcessBatch(ctx)
		if err != nil {
			return err
		}
		if result.Attempted > 0 || result.Reclaimed > 0 {
			s.logger.InfoContext(ctx, "outbox batch processed",
				slog.Int("attempted", result.Attempted),
				slog.Int("completed", result.Completed),
				slog.Int("retried", result.Retried),
				slog.Int("failed", result.Failed),
				slog.Int("duplicates", result.Duplicates),
				slog.Int("reclaimed", result.Reclaimed),
			)
		}
		return nil
	}
}

// tally counts one item outcome and reports whether the item did not recover.
// Conflicts and missing items mean another worker got there first.
func (s *Sweeps) tally(ctx context.Context, result *SweepResult, err error, id slog.Attr) bool {
	switch {
	case err == nil:
		result.Recovered++
		return false
	case apperrors.Is(err, apperrors.ErrConflict),
		apperrors.Is(err, apperrors.ErrExhausted),
		apperrors.Is(err, apperrors.ErrNotFound):
		result.Skipped++
		s.logger.DebugContext(ctx, "sweep item skipped", id, slog.Any("error", err))
	default:
		result.Failed++
		s.logger.ErrorContext(ctx, "sweep item failed", id, slog.Any("error", err))
	}
	return true
}

// SweepJob turns a sweep into a Job using cfg. Each run logs and records its result.
func SweepJob(cfg config.SweepConfig, sweep Sweep, logger *slog.Logger, businessMetrics metrics.BusinessMetrics) Job {
	if businessMetrics == nil {
		businessMetrics = metrics.NewNoOpBusinessMetrics()
	}
	return Job{
		Name:     cfg.Name,
		Enabled:  cfg.Enabled,
		Interval: cfg.Interval,
		Cron:     cfg.Cron,
		Run: func(ctx context.Context) error {
			result, err := sweep(ctx)
			if err != nil {
				return err
			}

			businessMetrics.RecordItems(ctx, "recovery", cfg.Name, "recovered", int64(result.Recovered))
			businessMetrics.RecordItems(ctx, "recovery", cfg.Name, "skipped", int64(result.Skipped))
			businessMetrics.RecordItems(ctx, "recovery", cfg.Name, "failed", int64(result.Failed))

			if result.Scanned > 0 {
				logger.InfoContext(ctx, "sweep finished",
					slog.String("sweep", cfg.Name),
					slog.Int("scanned", result.Scanned),
					slog.Int("recovered", result.Recovered),
					slog.Int("skipped", result.Skipped),
					slog.Int("failed", result.Failed),
				)
			}
			return nil
		},
	}
}

// Register adds the relay and every sweep of cfg to scheduler.
func (s *Sweeps) Register(scheduler *Scheduler, cfg *config.Config, businessMetrics metrics.BusinessMetrics) error {
	relay := cfg.Sweep(config.SweepOutboxRelay)
	jobs := []Job{
		{
			Name:     relay.Name,
			Enabled:  relay.Enabled,
			Interval: relay.Interval,
			Cron:     relay.Cron,
			Run:      s.OutboxRelay(),
		},
	}

	stale := cfg.Sweep(config.SweepStaleOutbox)
	exhaustion := cfg.Sweep(config.SweepTaskExhaustion)
	timeout := cfg.Sweep(config.SweepTaskTimeout)
	expiry := cfg.Sweep(config.SweepSessionExpiry)
	jobs = append(jobs,
		SweepJob(stale, s.StaleOutbox(stale.Timeout, stale.BatchSize), s.logger, businessMetrics),
		SweepJob(exhaustion, s.TaskExhaustion(exhaustion.Timeout, exhaustion.BatchSize), s.logger, businessMetrics),
		SweepJob(timeout, s.TaskTimeout(timeout.BatchSize), s.logger, businessMetrics),
		SweepJob(expiry, s.SessionExpiry(expiry.BatchSize), s.logger, businessMetrics),
	)

	for _, job := range jobs {
		if err := scheduler.Register(job); err != nil {
			return err
		}
	}
	return nil
}
