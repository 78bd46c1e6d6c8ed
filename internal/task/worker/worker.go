// Package worker runs dispatched tasks: it consumes dispatch messages, claims
// the task, runs the executor registered for its kind and records the outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/queue"
	"github.com/allisson/effectd/internal/task/domain"
	"github.com/allisson/effectd/internal/task/usecase"
	"github.com/allisson/effectd/internal/tracing"
)

// Executor performs the work of one task attempt. Execute must honor ctx, which
// carries the task timeout.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *domain.Task) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *domain.Task) error {
	return f(ctx, task)
}

// Executors maps each task kind to its executor.
type Executors map[domain.Kind]Executor

// Worker handles task dispatch messages.
type Worker struct {
	tasks     usecase.UseCase
	executors Executors
	logger    *slog.Logger
}

// NewWorker creates a new Worker.
func NewWorker(tasks usecase.UseCase, executors Executors, logger *slog.Logger) *Worker {
	return &Worker{tasks: tasks, executors: executors, logger: logger}
}

// Run consumes consumer until ctx is done.
func (w *Worker) Run(ctx context.Context, consumer *queue.Consumer) error {
	return consumer.Run(ctx, w.Handle)
}

// Handle implements queue.Handler. Messages that can never succeed are acked.
// A returned error nacks the message for redelivery.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	var dispatch domain.DispatchMessage
	if err := json.Unmarshal(msg.Body, &dispatch); err != nil || dispatch.TaskID == uuid.Nil {
		w.logger.ErrorContext(ctx, "discarding malformed task message",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		return nil
	}

	logger := w.logger.With(
		slog.String("task_id", dispatch.TaskID.String()),
		slog.Int("dispatch", dispatch.Dispatch),
	)

	out, err := w.tasks.Claim(ctx, dispatch.TaskID)
	if err != nil {
		if isStale(err) {
			logger.DebugContext(ctx, "ignoring stale task dispatch", slog.Any("error", err))
			return nil
		}
		return err
	}
	task, ok := out.Value()
	if !ok {
		logger.DebugContext(ctx, "task claimed by another worker")
		return nil
	}

	execErr := w.execute(ctx, task)
	if execErr != nil && ctx.Err() != nil {
		// Shutting down: the task stays PROCESSING and the timeout sweep redispatches it.
		logger.WarnContext(ctx, "task interrupted by shutdown", slog.Any("error", execErr))
		return ctx.Err()
	}

	if execErr == nil {
		_, err = w.tasks.Complete(ctx, task.ID)
	} else {
		logger.WarnContext(ctx, "task attempt failed",
			slog.Int("attempt", task.AttemptCount),
			slog.Any("error", execErr),
		)
		_, err = w.tasks.Fail(ctx, task.ID, execErr)
	}
	if apperrors.Is(err, apperrors.ErrConflict) {
		// Aborted or redispatched while running.
		logger.InfoContext(ctx, "task changed while running, dropping result", slog.Any("error", err))
		return nil
	}
	return err
}

func (w *Worker) execute(ctx context.Context, task *domain.Task) (err error) {
	ctx, span := tracing.Start(ctx, "task.execute",
		attribute.String("task.id", task.ID.String()),
		attribute.String("task.kind", string(task.Kind)),
		attribute.Int("task.attempt", task.AttemptCount),
	)
	defer func() { tracing.End(span, err) }()

	executor, ok := w.executors[task.Kind]
	if !ok {
		return apperrors.Wrap(domain.ErrUnknownKind, fmt.Sprintf("no executor registered for %s", task.Kind))
	}

	ctx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return executor.Execute(ctx, task)
}

// isStale reports whether a claim error means the message refers to work that
// is finished, gone, or already owned.
func isStale(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound) ||
		apperrors.Is(err, apperrors.ErrConflict) ||
		apperrors.Is(err, apperrors.ErrExhausted)
}
