package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/effectd/internal/testutil"
	"github.com/allisson/effectd/internal/upload/domain"
)

var sessionColumnNames = []string{
	"id", "kind", "status", "bucket", "object_key", "upload_id", "total_parts", "expires_at",
	"attempt_count", "max_attempts", "failure_reason", "created_at", "started_at", "completed_at", "updated_at",
}

var partColumnNames = []string{"session_id", "part_number", "etag", "size", "created_at"}

func newTestSession(t *testing.T, now time.Time) *domain.Session {
	t.Helper()
	session, err := domain.NewSession(uuid.Must(uuid.NewV7()), domain.CreateSessionInput{
		Kind:        domain.KindMultipart,
		Bucket:      "media",
		ObjectKey:   "videos/a.mp4",
		UploadID:    "mpu-1",
		TotalParts:  2,
		MaxAttempts: 3,
	}, now, time.Hour)
	require.NoError(t, err)
	return session
}

func sessionRow(s *domain.Session, id driver.Value) []driver.Value {
	return []driver.Value{
		id, string(s.Kind), string(s.Status), s.Bucket, s.ObjectKey, *s.UploadID, s.TotalParts, *s.ExpiresAt,
		s.AttemptCount, s.MaxAttempts, nil, s.CreatedAt, nil, nil, s.UpdatedAt,
	}
}

func TestPostgreSQLSessionRepository_Create(t *testing.T) {
	ctx := context.Background()
	db, mock := testutil.NewMockDB(t)
	repo := NewPostgreSQLSessionRepository(db)
	session := newTestSession(t, time.Now().UTC())

	mock.ExpectExec("INSERT INTO upload_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(ctx, session))

	mock.ExpectExec("INSERT INTO upload_sessions").WillReturnError(errors.New("db down"))
	assert.Error(t, repo.Create(ctx, session))
}

func TestPostgreSQLSessionRepository_Get(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Success_WithParts", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLSessionRepository(db)
		session := newTestSession(t, now)

		mock.ExpectQuery("SELECT (.+) FROM upload_sessions WHERE id = \\$1").
			WithArgs(session.ID).
			WillReturnRows(sqlmock.NewRows(sessionColumnNames).AddRow(sessionRow(session, session.ID.String())...))
		mock.ExpectQuery("SELECT (.+) FROM upload_session_parts").
			WithArgs(session.ID).
			WillReturnRows(sqlmock.NewRows(partColumnNames).
				AddRow(session.ID.String(), 1, "etag-1", int64(5), now).
				AddRow(session.ID.String(), 2, "etag-2", int64(3), now))

		got, err := repo.Get(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)
		assert.Equal(t, domain.StatusPreparing, got.Status)
		assert.Equal(t, "mpu-1", *got.UploadID)
		require.Len(t, got.Parts, 2)
		assert.Equal(t, 2, got.Parts[1].PartNumber)
		assert.Equal(t, session.ID, got.Parts[1].SessionID)
	})

	t.Run("Error_NotFound", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLSessionRepository(db)

		mock.ExpectQuery("SELECT (.+) FROM upload_sessions").WillReturnRows(sqlmock.NewRows(sessionColumnNames))

		_, err := repo.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func TestPostgreSQLSessionRepository_AddPart(t *testing.T) {
	ctx := context.Background()
	db, mock := testutil.NewMockDB(t)
	repo := NewPostgreSQLSessionRepository(db)
	part := domain.Part{SessionID: uuid.New(), PartNumber: 1, ETag: "e", Size: 1, CreatedAt: time.Now().UTC()}

	mock.ExpectExec("INSERT INTO upload_session_parts (.+) ON CONFLICT \\(session_id, part_number\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	added, err := repo.AddPart(ctx, part)
	require.NoError(t, err)
	assert.True(t, added)

	mock.ExpectExec("INSERT INTO upload_session_parts").WillReturnResult(sqlmock.NewResult(0, 0))
	added, err = repo.AddPart(ctx, part)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestPostgreSQLSessionRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Success", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLSessionRepository(db)
		session := newTestSession(t, now)
		require.NoError(t, session.Expire(now))

		mock.ExpectExec("UPDATE upload_sessions (.+) WHERE id = \\$7 AND status = \\$8").
			WithArgs(domain.StatusExpired, 0, nil, nil, nil, now, session.ID, domain.StatusPreparing).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateStatus(ctx, session, domain.StatusPreparing))
	})

	t.Run("Error_StateConflict", func(t *testing.T) {
		db, mock := testutil.NewMockDB(t)
		repo := NewPostgreSQLSessionRepository(db)

		mock.ExpectExec("UPDATE upload_sessions").WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateStatus(ctx, newTestSession(t, now), domain.StatusActive)
		assert.ErrorIs(t, err, domain.ErrStateConflict)
	})
}

func TestPostgreSQLSessionRepository_ListExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db, mock := testutil.NewMockDB(t)
	repo := NewPostgreSQLSessionRepository(db)
	session := newTestSession(t, now.Add(-2*time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM upload_sessions WHERE status IN \\(\\$1, \\$2\\) AND expires_at < \\$3").
		WithArgs(domain.StatusPreparing, domain.StatusActive, now, 50).
		WillReturnRows(sqlmock.NewRows(sessionColumnNames).AddRow(sessionRow(session, session.ID.String())...))

	sessions, err := repo.ListExpired(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.ID, sessions[0].ID)
	assert.Empty(t, sessions[0].Parts)
}

func TestMySQLSessionRepository_Get(t *testing.T) {
	ctx := context.Background()
	db, mock := testutil.NewMockDB(t)
	repo := NewMySQLSessionRepository(db)
	session := newTestSession(t, time.Now().UTC())
	idBytes, err := session.ID.MarshalBinary()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM upload_sessions WHERE id = \\?").
		WithArgs(idBytes).
		WillReturnRows(sqlmock.NewRows(sessionColumnNames).AddRow(sessionRow(session, idBytes)...))
	mock.ExpectQuery("SELECT (.+) FROM upload_session_parts").
		WithArgs(idBytes).
		WillReturnRows(sqlmock.NewRows(partColumnNames).AddRow(idBytes, 1, "etag-1", int64(5), time.Now().UTC()))

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	require.Len(t, got.Parts, 1)
	assert.Equal(t, session.ID, got.Parts[0].SessionID)
}

func TestMySQLSessionRepository_AddPart(t *testing.T) {
	ctx := context.Background()
	db, mock := testutil.NewMockDB(t)
	repo := NewMySQLSessionRepository(db)
	part := domain.Part{SessionID: uuid.New(), PartNumber: 1, ETag: "e", Size: 1, CreatedAt: time.Now().UTC()}

	mock.ExpectExec("INSERT INTO upload_session_parts").WillReturnResult(sqlmock.NewResult(0, 1))
	added, err := repo.AddPart(ctx, part)
	require.NoError(t, err)
	assert.True(t, added)

	mock.ExpectExec("INSERT INTO upload_session_parts").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	added, err = repo.AddPart(ctx, part)
	require.NoError(t, err)
	assert.False(t, added)

	mock.ExpectExec("INSERT INTO upload_session_parts").WillReturnError(errors.New("db down"))
	_, err = repo.AddPart(ctx, part)
	assert.Error(t, err)
}

func TestMySQLSessionRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	db, mock := testutil.NewMockDB(t)
	repo := NewMySQLSessionRepository(db)
	session := newTestSession(t, time.Now().UTC())

	mock.ExpectExec("UPDATE upload_sessions (.+) WHERE id = \\? AND status = \\?").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.UpdateStatus(ctx, session, domain.StatusPreparing), domain.ErrStateConflict)
}
