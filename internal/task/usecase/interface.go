// Package usecase implements the task lifecycle: enqueueing with a dispatch
// outbox record, claiming under the task lock, completion, failure and the
// recovery moves used by the task sweeps.
package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/lock"
	"github.com/allisson/effectd/internal/task/domain"
)

// TaskRepository defines task persistence. Implementations must be
// transaction-aware via database.GetTx.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error

	// Get retrieves a task by id. Returns ErrTaskNotFound if not found.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// UpdateStatus persists task only if its stored status and dispatch count
	// are still from and fromDispatch. Returns ErrStateConflict otherwise.
	UpdateStatus(ctx context.Context, task *domain.Task, from domain.Status, fromDispatch int) error

	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	ListExhausted(ctx context.Context, idleBefore time.Time, limit int) ([]*domain.Task, error)
}

// UseCase defines the task operations.
type UseCase interface {
	Enqueue(ctx context.Context, input domain.EnqueueInput) (*domain.Task, error)

	// Claim moves a QUEUED task to PROCESSING. The outcome is Skipped when
	// another worker holds the task lock.
	Claim(ctx context.Context, id uuid.UUID) (lock.Outcome[*domain.Task], error)

	Complete(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Fail records a failed execution and redispatches the task when attempts remain.
	Fail(ctx context.Context, id uuid.UUID, cause error) (*domain.Task, error)

	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListOverdue returns tasks stuck past their timeout with attempts left.
	ListOverdue(ctx context.Context, limit int) ([]*domain.Task, error)

	// Redispatch re-queues a task past its timeout and writes its next dispatch record in one transaction.
	Redispatch(ctx context.Context, task *domain.Task) error

	// ListExhausted returns non-terminal tasks without attempts left idle for longer than idleFor.
	ListExhausted(ctx context.Context, idleFor time.Duration, limit int) ([]*domain.Task, error)

	// TimeOut terminates a task that ran out of attempts.
	TimeOut(ctx context.Context, task *domain.Task) error

	// Abort cancels a task that has not finished. Aborting an ABORTED task
	// returns it unchanged.
	Abort(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}
