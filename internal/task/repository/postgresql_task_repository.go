// Package repository persists tasks in PostgreSQL or MySQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/task/domain"
)

const taskColumns = `id, kind, status, payload, attempt_count, max_attempts, dispatch_count,
	timeout_seconds, last_error, created_at, started_at, completed_at, updated_at`

// PostgreSQLTaskRepository implements task persistence for PostgreSQL.
type PostgreSQLTaskRepository struct {
	db *sql.DB
}

// NewPostgreSQLTaskRepository creates a new PostgreSQLTaskRepository.
func NewPostgreSQLTaskRepository(db *sql.DB) *PostgreSQLTaskRepository {
	return &PostgreSQLTaskRepository{db: db}
}

// Create inserts a new task.
func (r *PostgreSQLTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO tasks (` + taskColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := querier.ExecContext(
		ctx,
		query,
		task.ID,
		task.Kind,
		task.Status,
		string(task.Payload),
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
func (r *PostgreSQLTaskRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	return scanTask(querier.QueryRowContext(ctx, query, id).Scan, scanPostgresID)
}

// UpdateStatus writes the mutable fields of task if its stored status and
// dispatch count still equal from and fromDispatch. It returns
// domain.ErrStateConflict when no row matched.
func (r *PostgreSQLTaskRepository) UpdateStatus(
	ctx context.Context,
	task *domain.Task,
	from domain.Status,
	fromDispatch int,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE tasks
			  SET status = $1, attempt_count = $2, dispatch_count = $3, last_error = $4,
			      started_at = $5, completed_at = $6, updated_at = $7
			  WHERE id = $8 AND status = $9 AND dispatch_count = $10`

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
		task.ID,
		from,
		fromDispatch,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update task")
	}
	return expectOneRow(res)
}

// ListOverdue returns QUEUED or PROCESSING tasks with attempts left whose last
// update is older than their own timeout, least recently updated first.
func (r *PostgreSQLTaskRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + taskColumns + `
			  FROM tasks
			  WHERE status IN ($1, $2)
			    AND attempt_count < max_attempts
			    AND updated_at < $3 - (timeout_seconds * INTERVAL '1 second')
			  ORDER BY updated_at ASC
			  LIMIT $4`

	tasks, err := queryTasks(ctx, querier, scanPostgresID, query,
		domain.StatusQueued, domain.StatusProcessing, now, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list overdue tasks")
	}
	return tasks, nil
}

// ListExhausted returns QUEUED or PROCESSING tasks without attempts left that
// were last updated before idleBefore.
func (r *PostgreSQLTaskRepository) ListExhausted(
	ctx context.Context,
	idleBefore time.Time,
	limit int,
) ([]*domain.Task, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + taskColumns + `
			  FROM tasks
			  WHERE status IN ($1, $2)
			    AND attempt_count >= max_attempts
			    AND updated_at <= $3
			  ORDER BY updated_at ASC
			  LIMIT $4`

	tasks, err := queryTasks(ctx, querier, scanPostgresID, query,
		domain.StatusQueued, domain.StatusProcessing, idleBefore, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list exhausted tasks")
	}
	return tasks, nil
}

// idScanner returns the scan target for an id column and a func converting it
// into dest after Scan.
type idScanner func(dest *uuid.UUID) (any, func() error)

func scanPostgresID(dest *uuid.UUID) (any, func() error) {
	return dest, func() error { return nil }
}

func scanTask(scan func(dest ...any) error, scanID idScanner) (*domain.Task, error) {
	var task domain.Task
	var payload []byte
	var timeoutSeconds int

	target, convert := scanID(&task.ID)
	err := scan(
		target,
		&task.Kind,
		&task.Status,
		&payload,
		&task.AttemptCount,
		&task.MaxAttempts,
		&task.DispatchCount,
		&timeoutSeconds,
		&task.LastError,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, apperrors.Wrap(err, "failed to scan task")
	}
	if err := convert(); err != nil {
		return nil, apperrors.Wrap(err, "failed to parse task id")
	}

	task.Payload = json.RawMessage(payload)
	task.Timeout = time.Duration(timeoutSeconds) * time.Second
	return &task, nil
}

func queryTasks(
	ctx context.Context,
	querier database.Querier,
	scanID idScanner,
	query string,
	args ...any,
) ([]*domain.Task, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows.Scan, scanID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func expectOneRow(res sql.Result) error {
	n, err := database.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrStateConflict
	}
	return nil
}
