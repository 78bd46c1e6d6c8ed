package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/lock"
	outboxDomain "github.com/allisson/effectd/internal/outbox/domain"
	outboxUseCase "github.com/allisson/effectd/internal/outbox/usecase"
	"github.com/allisson/effectd/internal/task/domain"
)

// EventTaskDispatched is the outbox event type of task dispatch messages.
const EventTaskDispatched = "task.dispatched"

// Config holds task use case configuration
type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	LockLease   time.Duration
	// Queues maps each task kind to its work queue.
	Queues map[domain.Kind]string
}

// TaskUseCase implements UseCase.
type TaskUseCase struct {
	config    Config
	txManager database.TxManager
	repo      TaskRepository
	outbox    outboxUseCase.Writer
	arbiter   lock.Arbiter
	logger    *slog.Logger
	now       func() time.Time
}

// NewTaskUseCase creates a new TaskUseCase
func NewTaskUseCase(
	config Config,
	txManager database.TxManager,
	repo TaskRepository,
	outbox outboxUseCase.Writer,
	arbiter lock.Arbiter,
	logger *slog.Logger,
) *TaskUseCase {
	if config.LockLease <= 0 {
		config.LockLease = 30 * time.Second
	}
	return &TaskUseCase{
		config:    config,
		txManager: txManager,
		repo:      repo,
		outbox:    outbox,
		arbiter:   arbiter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TaskLockKey is the lock key guarding a task.
func TaskLockKey(id uuid.UUID) string {
	return lock.Key("task", id.String())
}

// Enqueue implements UseCase.
func (u *TaskUseCase) Enqueue(ctx context.Context, input domain.EnqueueInput) (*domain.Task, error) {
	if input.MaxAttempts == 0 {
		input.MaxAttempts = u.config.MaxAttempts
	}
	if input.Timeout == 0 {
		input.Timeout = u.config.Timeout
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to generate task id")
	}

	task, err := domain.NewTask(id, input.Kind, input.Payload, input.MaxAttempts, input.Timeout, u.now())
	if err != nil {
		return nil, err
	}

	err = u.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := u.repo.Create(ctx, task); err != nil {
			return err
		}
		return u.dispatch(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	u.logger.InfoContext(ctx, "task enqueued",
		slog.String("task_id", task.ID.String()),
		slog.String("kind", string(task.Kind)),
	)
	return task, nil
}

// Claim implements UseCase.
func (u *TaskUseCase) Claim(ctx context.Context, id uuid.UUID) (lock.Outcome[*domain.Task], error) {
	out, err := lock.WithLock(ctx, u.arbiter, TaskLockKey(id), lock.ZeroWait(u.config.LockLease),
		func(ctx context.Context) (*domain.Task, error) {
			task, err := u.repo.Get(ctx, id)
			if err != nil {
				return nil, err
			}

			from, fromDispatch := task.Status, task.DispatchCount
			if err := task.Start(u.now()); err != nil {
				return nil, err
			}
			if err := u.repo.UpdateStatus(ctx, task, from, fromDispatch); err != nil {
				return nil, err
			}
			return task, nil
		})
	if err != nil {
		return lock.Skipped[*domain.Task](), err
	}
	if out.IsSkipped() {
		u.logger.DebugContext(ctx, "task locked elsewhere, skipping claim", slog.String("task_id", id.String()))
	}
	return out, nil
}

// Complete implements UseCase.
func (u *TaskUseCase) Complete(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := u.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from, fromDispatch := task.Status, task.DispatchCount
	if err := task.Complete(u.now()); err != nil {
		return nil, err
	}
	if err := u.repo.UpdateStatus(ctx, task, from, fromDispatch); err != nil {
		return nil, err
	}

	u.logger.InfoContext(ctx, "task completed",
		slog.String("task_id", id.String()),
		slog.Int("attempt", task.AttemptCount),
	)
	return task, nil
}

// Fail implements UseCase.
func (u *TaskUseCase) Fail(ctx context.Context, id uuid.UUID, cause error) (*domain.Task, error) {
	task, err := u.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from, fromDispatch := task.Status, task.DispatchCount
	requeued, err := task.Fail(u.now(), cause)
	if err != nil {
		return nil, err
	}

	err = u.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := u.repo.UpdateStatus(ctx, task, from, fromDispatch); err != nil {
			return err
		}
		if requeued {
			return u.dispatch(ctx, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if requeued {
		u.logger.InfoContext(ctx, "task requeued after failure",
			slog.String("task_id", id.String()),
			slog.Int("attempt", task.AttemptCount),
			slog.Any("error", cause),
		)
	} else {
		u.logger.WarnContext(ctx, "task failed permanently",
			slog.String("task_id", id.String()),
			slog.Int("attempt", task.AttemptCount),
			slog.Any("error", cause),
		)
	}
	return task, nil
}

// Get implements UseCase.
func (u *TaskUseCase) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return u.repo.Get(ctx, id)
}

// ListOverdue implements UseCase.
func (u *TaskUseCase) ListOverdue(ctx context.Context, limit int) ([]*domain.Task, error) {
	return u.repo.ListOverdue(ctx, u.now(), limit)
}

// Redispatch implements UseCase.
func (u *TaskUseCase) Redispatch(ctx context.Context, task *domain.Task) error {
	now := u.now()
	if !task.IsOverdue(now) {
		return domain.ErrNotOverdue
	}
	from, fromDispatch := task.Status, task.DispatchCount
	if err := task.Redispatch(now); err != nil {
		return err
	}

	return u.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := u.repo.UpdateStatus(ctx, task, from, fromDispatch); err != nil {
			return err
		}
		return u.dispatch(ctx, task)
	})
}

// ListExhausted implements UseCase.
func (u *TaskUseCase) ListExhausted(ctx context.Context, idleFor time.Duration, limit int) ([]*domain.Task, error) {
	return u.repo.ListExhausted(ctx, u.now().Add(-idleFor), limit)
}

// TimeOut implements UseCase.
func (u *TaskUseCase) TimeOut(ctx context.Context, task *domain.Task) error {
	from, fromDispatch := task.Status, task.DispatchCount
	if err := task.TimeOut(u.now()); err != nil {
		return err
	}
	if err := u.repo.UpdateStatus(ctx, task, from, fromDispatch); err != nil {
		return err
	}

	u.logger.WarnContext(ctx, "task timed out",
		slog.String("task_id", task.ID.String()),
		slog.Int("attempt_count", task.AttemptCount),
		slog.Int("max_attempts", task.MaxAttempts),
	)
	return nil
}

// Abort implements UseCase.
func (u *TaskUseCase) Abort(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := u.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == domain.StatusAborted {
		return task, nil
	}

	from, fromDispatch := task.Status, task.DispatchCount
	if err := task.Abort(u.now()); err != nil {
		return nil, err
	}
	if err := u.repo.UpdateStatus(ctx, task, from, fromDispatch); err != nil {
		return nil, err
	}

	u.logger.InfoContext(ctx, "task aborted",
		slog.String("task_id", id.String()),
		slog.String("from", string(from)),
	)
	return task, nil
}

// dispatch writes the outbox record that publishes the current dispatch of task.
func (u *TaskUseCase) dispatch(ctx context.Context, task *domain.Task) error {
	queue, ok := u.config.Queues[task.Kind]
	if !ok {
		return apperrors.Wrap(domain.ErrUnknownKind, fmt.Sprintf("no queue configured for %s", task.Kind))
	}

	_, created, err := u.outbox.Enqueue(ctx, outboxDomain.NewRecord{
		IdempotencyKey: task.DispatchKey(),
		AggregateType:  "task",
		AggregateID:    task.ID.String(),
		EventType:      EventTaskDispatched,
		Destination:    queue,
		Payload: domain.DispatchMessage{
			TaskID:   task.ID,
			Kind:     task.Kind,
			Dispatch: task.DispatchCount,
		},
	})
	if err != nil {
		return err
	}
	if !created {
		u.logger.DebugContext(ctx, "task dispatch already recorded", slog.String("dispatch_key", task.DispatchKey()))
	}
	return nil
}
