package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	taskUseCase "github.com/allisson/effectd/internal/task/usecase"
)

// RunTaskAbort cancels a task that has not finished. Dispatches already on the
// queue are dropped by the worker once it sees the task is terminal.
func RunTaskAbort(
	ctx context.Context,
	tasks taskUseCase.UseCase,
	logger *slog.Logger,
	w io.Writer,
	id string,
	format string,
) error {
	if err := validateFormat(format); err != nil {
		return err
	}

	taskID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", id, err)
	}

	task, err := tasks.Abort(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to abort task: %w", err)
	}

	logger.Info("task aborted", slog.String("task_id", task.ID.String()))

	if format == "json" {
		return writeJSON(w, map[string]any{
			"id":            task.ID.String(),
			"kind":          task.Kind,
			"status":        task.Status,
			"attempt_count": task.AttemptCount,
		})
	}

	_, err = fmt.Fprintf(w, "Aborted task %s (%s) after %d attempts\n", task.ID, task.Kind, task.AttemptCount)
	return err
}
