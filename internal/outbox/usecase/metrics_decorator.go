package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/metrics"
	"github.com/allisson/effectd/internal/outbox/domain"
)

// outboxUseCaseWithMetrics decorates UseCase with metrics instrumentation.
type outboxUseCaseWithMetrics struct {
	next    UseCase
	metrics metrics.BusinessMetrics
}

// NewOutboxUseCaseWithMetrics wraps a UseCase with metrics recording.
func NewOutboxUseCaseWithMetrics(useCase UseCase, m metrics.BusinessMetrics) UseCase {
	return &outboxUseCaseWithMetrics{
		next:    useCase,
		metrics: m,
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Enqueue records metrics for record creation, counting duplicates separately.
func (o *outboxUseCaseWithMetrics) Enqueue(
	ctx context.Context,
	input domain.NewRecord,
) (*domain.Record, bool, error) {
	record, created, err := o.next.Enqueue(ctx, input)

	status := statusOf(err)
	if err == nil && !created {
		status = "duplicate"
	}
	o.metrics.RecordOperation(ctx, "outbox", "enqueue", status)

	return record, created, err
}

// ProcessBatch records the batch duration and per-outcome record counts.
func (o *outboxUseCaseWithMetrics) ProcessBatch(ctx context.Context) (domain.BatchResult, error) {
	start := time.Now()
	result, err := o.next.ProcessBatch(ctx)

	status := statusOf(err)
	o.metrics.RecordOperation(ctx, "outbox", "relay_batch", status)
	o.metrics.RecordDuration(ctx, "outbox", "relay_batch", time.Since(start), status)

	o.metrics.RecordItems(ctx, "outbox", "relay", "completed", int64(result.Completed))
	o.metrics.RecordItems(ctx, "outbox", "relay", "retried", int64(result.Retried))
	o.metrics.RecordItems(ctx, "outbox", "relay", "failed", int64(result.Failed))
	o.metrics.RecordItems(ctx, "outbox", "relay", "duplicate", int64(result.Duplicates))
	o.metrics.RecordItems(ctx, "outbox", "relay", "reclaimed", int64(result.Reclaimed))

	return result, err
}

func (o *outboxUseCaseWithMetrics) PollPending(ctx context.Context, limit int) ([]*domain.Record, error) {
	return o.next.PollPending(ctx, limit)
}

// Publish records publish latency.
func (o *outboxUseCaseWithMetrics) Publish(ctx context.Context, record *domain.Record) (bool, error) {
	start := time.Now()
	duplicate, err := o.next.Publish(ctx, record)

	status := statusOf(err)
	if err == nil && duplicate {
		status = "duplicate"
	}
	o.metrics.RecordDuration(ctx, "outbox", "publish", time.Since(start), status)

	return duplicate, err
}

func (o *outboxUseCaseWithMetrics) MarkCompleted(ctx context.Context, record *domain.Record) error {
	return o.next.MarkCompleted(ctx, record)
}

func (o *outboxUseCaseWithMetrics) MarkFailed(
	ctx context.Context,
	record *domain.Record,
	cause error,
) (bool, error) {
	return o.next.MarkFailed(ctx, record, cause)
}

func (o *outboxUseCaseWithMetrics) StatusCounts(ctx context.Context, since time.Time) (domain.StatusCounts, error) {
	return o.next.StatusCounts(ctx, since)
}

// Requeue records operator requeues.
func (o *outboxUseCaseWithMetrics) Requeue(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	record, err := o.next.Requeue(ctx, id)
	o.metrics.RecordOperation(ctx, "outbox", "requeue", statusOf(err))
	return record, err
}

func (o *outboxUseCaseWithMetrics) ListStale(
	ctx context.Context,
	olderThan time.Duration,
	limit int,
) ([]*domain.Record, error) {
	return o.next.ListStale(ctx, olderThan, limit)
}

// RecoverStale records how stale records were resolved.
func (o *outboxUseCaseWithMetrics) RecoverStale(ctx context.Context, record *domain.Record) (bool, error) {
	completed, err := o.next.RecoverStale(ctx, record)

	status := statusOf(err)
	if err == nil {
		status = "requeued"
		if completed {
			status = "completed"
		}
	}
	o.metrics.RecordOperation(ctx, "outbox", "recover_stale", status)

	return completed, err
}
