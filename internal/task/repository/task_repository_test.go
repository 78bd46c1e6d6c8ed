package repository

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/effectd/internal/task/domain"
	"github.com/allisson/effectd/internal/testutil"
)

var taskColumnNames = []string{
	"id", "kind", "status", "payload", "attempt_count", "max_attempts", "dispatch_count",
	"timeout_seconds", "last_error", "created_at", "started_at", "completed_at", "updated_at",
}

func newTestTask(t *testing.T, now time.Time) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(uuid.Must(uuid.NewV7()), domain.KindDownload,
		json.RawMessage(`{"source_url":"https://example.com/a.bin","target_key":"a.bin"}`), 3, 90*time.Second, now)
	require.NoError(t, err)
	return task
}

func taskRow(task *domain.Task, id driver.Value) []driver.Value {
	return []driver.Value{
		id, string(task.Kind), string(task.Status), []byte(task.Payload), task.AttemptCount, task.MaxAttempts,
		task.DispatchCount, int64(task.Timeout / time.Second), nil, task.CreatedAt, nil, nil, task.UpdatedAt,
	}
}

func TestPostgreSQLTaskRepository_Create(t *testing.T) {
	ctx := context.Background()
	db, mock := testutil.NewMockDB(t)
	repo := NewPostgreSQLTaskRepository(db)
	task := newTestTask(t, time.Now().UTC())

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(task.ID, domain.KindDownload, domain.StatusQueued, string(task.Payload), 0, 3, 0, 90,
			nil, task.CreatedAt, nil, nil, task.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(ctx, task))
}

func TestPostgreSQLTaskRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLTaskRepository(db)
		task := newTestTask(t, time.Now().UTC())

		mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\$1").
			WithArgs(task.ID).
			WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(taskRow(task, task.ID.String())...))

		got, err := repo.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, 90*time.Second, got.Timeout)
		assert.JSONEq(t, string(task.Payload), string(got.Payload))
	})

	t.Run("Error_NotFound", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLTaskRepository(db)

		mock.ExpectQuery("SELECT (.+) FROM tasks").WillReturnRows(sqlmock.NewRows(taskColumnNames))

		_, err := repo.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})
}

func TestPostgreSQLTaskRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Success_GuardsOnDispatch", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLTaskRepository(db)
		task := newTestTask(t, now)
		require.NoError(t, task.Start(now))
		require.NoError(t, task.Redispatch(now))

		mock.ExpectExec("UPDATE tasks (.+) WHERE id = \\$8 AND status = \\$9 AND dispatch_count = \\$10").
			WithArgs(domain.StatusQueued, 1, 1, nil, now, nil, now, task.ID, domain.StatusProcessing, 0).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateStatus(ctx, task, domain.StatusProcessing, 0))
	})

	t.Run("Error_StateConflict", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLTaskRepository(db)

		mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateStatus(ctx, newTestTask(t, now), domain.StatusQueued, 0)
		assert.ErrorIs(t, err, domain.ErrStateConflict)
	})

	t.Run("Error_Driver", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLTaskRepository(db)

		mock.ExpectExec("UPDATE tasks").WillReturnError(errors.New("db down"))

		err := repo.UpdateStatus(ctx, newTestTask(t, now), domain.StatusQueued, 0)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrStateConflict)
	})
}

func TestPostgreSQLTaskRepository_ListOverdue(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db, mock := testutil.NewMockDB(t)
	repo := NewPostgreSQLTaskRepository(db)
	task := newTestTask(t, now.Add(-time.Hour))

	mock.ExpectQuery("attempt_count < max_attempts\\s+AND updated_at < \\$3 - \\(timeout_seconds \\* INTERVAL '1 second'\\)").
		WithArgs(domain.StatusQueued, domain.StatusProcessing, now, 10).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(taskRow(task, task.ID.String())...))

	tasks, err := repo.ListOverdue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
}

func TestPostgreSQLTaskRepository_ListExhausted(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db, mock := testutil.NewMockDB(t)
	repo := NewPostgreSQLTaskRepository(db)

	mock.ExpectQuery("attempt_count >= max_attempts\\s+AND updated_at <= \\$3").
		WithArgs(domain.StatusQueued, domain.StatusProcessing, now, 10).
		WillReturnRows(sqlmock.NewRows(taskColumnNames))

	tasks, err := repo.ListExhausted(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMySQLTaskRepository_Get(t *testing.T) {
	ctx := context.Background()
	db, mock := testutil.NewMockDB(t)
	repo := NewMySQLTaskRepository(db)
	task := newTestTask(t, time.Now().UTC())
	idBytes, err := task.ID.MarshalBinary()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id = \\?").
		WithArgs(idBytes).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).AddRow(taskRow(task, idBytes)...))

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestMySQLTaskRepository_ListOverdue(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db, mock := testutil.NewMockDB(t)
	repo := NewMySQLTaskRepository(db)

	mock.ExpectQuery("DATE_SUB\\(\\?, INTERVAL timeout_seconds SECOND\\)").
		WithArgs(domain.StatusQueued, domain.StatusProcessing, now, 5).
		WillReturnRows(sqlmock.NewRows(taskColumnNames))

	tasks, err := repo.ListOverdue(ctx, now, 5)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMySQLTaskRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	db, mock := testutil.NewMockDB(t)
	repo := NewMySQLTaskRepository(db)
	task := newTestTask(t, time.Now().UTC())

	mock.ExpectExec("UPDATE tasks (.+) WHERE id = \\? AND status = \\? AND dispatch_count = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStatus(ctx, task, domain.StatusQueued, 0))
}
