package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/task/domain"
)

// MySQLTaskRepository implements task persistence for MySQL. Ids are stored as
// BINARY(16).
type MySQLTaskRepository struct {
	db *sql.DB
}

// NewMySQLTaskRepository creates a new MySQLTaskRepository.
func NewMySQLTaskRepository(db *sql.DB) *MySQLTaskRepository {
	return &MySQLTaskRepository{db: db}
}

// Create inserts a new task.
func (r *MySQLTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	querier := database.GetTx(ctx, r.db)

	id, err := task.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal task id")
	}

	query := `INSERT INTO tasks (` + taskColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = querier.ExecContext(
		ctx,
		query,
		id,
		task.Kind,
		task.Status,
		[]byte(task.Payload),
		task.AttemptCount,
		task.MaxAttempts,
		task.DispatchCount,
		int(task.Timeout/time.Second),
		task.LastError,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to create task")
	}
	return nil
}

// Get retrieves a task by id.
func (r *MySQLTaskRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal task id")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	return scanTask(querier.QueryRowContext(ctx, query, idBytes).Scan, scanMySQLID)
}

// UpdateStatus writes the mutable fields of task if its stored status and
// dispatch count still equal from and fromDispatch.
func (r *MySQLTaskRepository) UpdateStatus(
	ctx context.Context,
	task *domain.Task,
	from domain.Status,
	fromDispatch int,
) error {
	querier := database.GetTx(ctx, r.db)

	id, err := task.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal task id")
	}

	query := `UPDATE tasks
			  SET status = ?, attempt_count = ?, dispatch_count = ?, last_error = ?,
			      started_at = ?, completed_at = ?, updated_at = ?
			  WHERE id = ? AND status = ? AND dispatch_count = ?`

	res, err := querier.ExecContext(
		ctx,
		query,
		task.Status,
		task.AttemptCount,
		task.DispatchCount,
		task.LastError,
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt,
		id,
		from,
		fromDispatch,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update task")
	}
	return expectOneRow(res)
}

// ListOverdue returns QUEUED or PROCESSING tasks with attempts left whose last
// update is older than their own timeout.
func (r *MySQLTaskRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + taskColumns + `
			  FROM tasks
			  WHERE status IN (?, ?)
			    AND attempt_count < max_attempts
			    AND updated_at < DATE_SUB(?, INTERVAL timeout_seconds SECOND)
			  ORDER BY updated_at ASC
			  LIMIT ?`

	tasks, err := queryTasks(ctx, querier, scanMySQLID, query,
		domain.StatusQueued, domain.StatusProcessing, now, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list overdue tasks")
	}
	return tasks, nil
}

// ListExhausted returns QUEUED or PROCESSING tasks without attempts left that
// were last updated before idleBefore.
func (r *MySQLTaskRepository) ListExhausted(ctx context.Context, idleBefore time.Time, limit int) ([]*domain.Task, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + taskColumns + `
			  FROM tasks
			  WHERE status IN (?, ?)
			    AND attempt_count >= max_attempts
			    AND updated_at <= ?
			  ORDER BY updated_at ASC
			  LIMIT ?`

	tasks, err := queryTasks(ctx, querier, scanMySQLID, query,
		domain.StatusQueued, domain.StatusProcessing, idleBefore, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list exhausted tasks")
	}
	return tasks, nil
}

func scanMySQLID(dest *uuid.UUID) (any, func() error) {
	var raw []byte
	return &raw, func() error {
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return err
		}
		*dest = id
		return nil
	}
}
