package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/lock"
	"github.com/allisson/effectd/internal/metrics"
	"github.com/allisson/effectd/internal/task/domain"
)

// taskUseCaseWithMetrics decorates UseCase with metrics instrumentation.
type taskUseCaseWithMetrics struct {
	next    UseCase
	metrics metrics.BusinessMetrics
}

// NewTaskUseCaseWithMetrics wraps a UseCase with metrics recording.
func NewTaskUseCaseWithMetrics(useCase UseCase, m metrics.BusinessMetrics) UseCase {
	return &taskUseCaseWithMetrics{
		next:    useCase,
		metrics: m,
	}
}

func (t *taskUseCaseWithMetrics) record(ctx context.Context, operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordOperation(ctx, "task", operation, status)
}

func (t *taskUseCaseWithMetrics) Enqueue(ctx context.Context, input domain.EnqueueInput) (*domain.Task, error) {
	task, err := t.next.Enqueue(ctx, input)
	t.record(ctx, "enqueue", err)
	return task, err
}

// Claim records acquired, skipped and error outcomes separately.
func (t *taskUseCaseWithMetrics) Claim(ctx context.Context, id uuid.UUID) (lock.Outcome[*domain.Task], error) {
	out, err := t.next.Claim(ctx, id)

	status := "claimed"
	switch {
	case err != nil:
		status = "error"
	case out.IsSkipped():
		status = "skipped"
	}
	t.metrics.RecordOperation(ctx, "task", "claim", status)
	return out, err
}

// Complete records the execution outcome.
func (t *taskUseCaseWithMetrics) Complete(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	start := time.Now()
	task, err := t.next.Complete(ctx, id)
	t.record(ctx, "complete", err)
	if err == nil && task.StartedAt != nil {
		t.metrics.RecordDuration(ctx, "task", "execution", task.UpdatedAt.Sub(*task.StartedAt), string(task.Kind))
	} else {
		t.metrics.RecordDuration(ctx, "task", "complete", time.Since(start), "error")
	}
	return task, err
}

func (t *taskUseCaseWithMetrics) Fail(ctx context.Context, id uuid.UUID, cause error) (*domain.Task, error) {
	task, err := t.next.Fail(ctx, id, cause)

	status := "error"
	if err == nil {
		status = "requeued"
		if task.Status == domain.StatusFailed {
			status = "failed"
		}
	}
	t.metrics.RecordOperation(ctx, "task", "fail", status)
	return task, err
}

func (t *taskUseCaseWithMetrics) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return t.next.Get(ctx, id)
}

func (t *taskUseCaseWithMetrics) ListOverdue(ctx context.Context, limit int) ([]*domain.Task, error) {
	return t.next.ListOverdue(ctx, limit)
}

func (t *taskUseCaseWithMetrics) Redispatch(ctx context.Context, task *domain.Task) error {
	err := t.next.Redispatch(ctx, task)
	t.record(ctx, "redispatch", err)
	return err
}

func (t *taskUseCaseWithMetrics) ListExhausted(
	ctx context.Context,
	idleFor time.Duration,
	limit int,
) ([]*domain.Task, error) {
	return t.next.ListExhausted(ctx, idleFor, limit)
}

func (t *taskUseCaseWithMetrics) TimeOut(ctx context.Context, task *domain.Task) error {
	err := t.next.TimeOut(ctx, task)
	t.record(ctx, "timeout", err)
	return err
}

func (t *taskUseCaseWithMetrics) Abort(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := t.next.Abort(ctx, id)
	t.record(ctx, "abort", err)
	return task, err
}
