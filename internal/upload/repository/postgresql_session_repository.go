// Package repository persists upload sessions and their parts.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/upload/domain"
)

const sessionColumns = `id, kind, status, bucket, object_key, upload_id, total_parts, expires_at,
	attempt_count, max_attempts, failure_reason, created_at, started_at, completed_at, updated_at`

// PostgreSQLSessionRepository implements session persistence for PostgreSQL.
type PostgreSQLSessionRepository struct {
	db *sql.DB
}

// NewPostgreSQLSessionRepository creates a new PostgreSQLSessionRepository.
func NewPostgreSQLSessionRepository(db *sql.DB) *PostgreSQLSessionRepository {
	return &PostgreSQLSessionRepository{db: db}
}

// Create inserts a new session.
func (r *PostgreSQLSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO upload_sessions (` + sessionColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := querier.ExecContext(
		ctx,
		query,
		session.ID,
		session.Kind,
		session.Status,
		session.Bucket,
		session.ObjectKey,
		session.UploadID,
		session.TotalParts,
		session.ExpiresAt,
		session.AttemptCount,
		session.MaxAttempts,
		session.FailureReason,
		session.CreatedAt,
		session.StartedAt,
		session.CompletedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to create upload session")
	}
	return nil
}

// Get retrieves a session with its parts ordered by part number.
func (r *PostgreSQLSessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = $1`

	session, err := scanSession(querier.QueryRowContext(ctx, query, id).Scan, scanPostgresID)
	if err != nil {
		return nil, err
	}

	partsQuery := `SELECT session_id, part_number, etag, size, created_at
				   FROM upload_session_parts
				   WHERE session_id = $1
				   ORDER BY part_number ASC`

	session.Parts, err = queryParts(ctx, querier, scanPostgresID, partsQuery, id)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AddPart inserts part. It returns false when the part number is already stored.
func (r *PostgreSQLSessionRepository) AddPart(ctx context.Context, part domain.Part) (bool, error) {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO upload_session_parts (session_id, part_number, etag, size, created_at)
			  VALUES ($1, $2, $3, $4, $5)
			  ON CONFLICT (session_id, part_number) DO NOTHING`

	res, err := querier.ExecContext(ctx, query, part.SessionID, part.PartNumber, part.ETag, part.Size, part.CreatedAt)
	if err != nil {
		return false, apperrors.Wrap(err, "failed to add upload part")
	}

	n, err := database.RowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateStatus writes the mutable fields of session if its stored status is
// still from. It returns domain.ErrStateConflict when no row matched.
func (r *PostgreSQLSessionRepository) UpdateStatus(
	ctx context.Context,
	session *domain.Session,
	from domain.Status,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE upload_sessions
			  SET status = $1, attempt_count = $2, failure_reason = $3, started_at = $4,
			      completed_at = $5, updated_at = $6
			  WHERE id = $7 AND status = $8`

	res, err := querier.ExecContext(
		ctx,
		query,
		session.Status,
		session.AttemptCount,
		session.FailureReason,
		session.StartedAt,
		session.CompletedAt,
		session.UpdatedAt,
		session.ID,
		from,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update upload session")
	}
	return expectOneRow(res)
}

// ListExpired returns PREPARING or ACTIVE sessions whose deadline is before now.
// Parts are not loaded.
func (r *PostgreSQLSessionRepository) ListExpired(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.Session, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + sessionColumns + `
			  FROM upload_sessions
			  WHERE status IN ($1, $2) AND expires_at < $3
			  ORDER BY expires_at ASC
			  LIMIT $4`

	sessions, err := querySessions(
		ctx, querier, scanPostgresID, query,
		domain.StatusPreparing, domain.StatusActive, now, limit,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list expired upload sessions")
	}
	return sessions, nil
}

// idScanner returns the scan target for an id column and a func converting it
// into dest after Scan.
type idScanner func(dest *uuid.UUID) (any, func() error)

func scanPostgresID(dest *uuid.UUID) (any, func() error) {
	return dest, func() error { return nil }
}

func scanSession(scan func(dest ...any) error, scanID idScanner) (*domain.Session, error) {
	var session domain.Session

	target, convert := scanID(&session.ID)
	err := scan(
		target,
		&session.Kind,
		&session.Status,
		&session.Bucket,
		&session.ObjectKey,
		&session.UploadID,
		&session.TotalParts,
		&session.ExpiresAt,
		&session.AttemptCount,
		&session.MaxAttempts,
		&session.FailureReason,
		&session.CreatedAt,
		&session.StartedAt,
		&session.CompletedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, apperrors.Wrap(err, "failed to scan upload session")
	}
	if err := convert(); err != nil {
		return nil, apperrors.Wrap(err, "failed to parse upload session id")
	}
	session.Parts = []domain.Part{}
	return &session, nil
}

func querySessions(
	ctx context.Context,
	querier database.Querier,
	scanID idScanner,
	query string,
	args ...any,
) ([]*domain.Session, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	sessions := make([]*domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows.Scan, scanID)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func queryParts(
	ctx context.Context,
	querier database.Querier,
	scanID idScanner,
	query string,
	args ...any,
) ([]domain.Part, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list upload parts")
	}
	defer rows.Close() //nolint:errcheck

	parts := make([]domain.Part, 0)
	for rows.Next() {
		var part domain.Part
		target, convert := scanID(&part.SessionID)
		if err := rows.Scan(target, &part.PartNumber, &part.ETag, &part.Size, &part.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan upload part")
		}
		if err := convert(); err != nil {
			return nil, apperrors.Wrap(err, "failed to parse upload part session id")
		}
		parts = append(parts, part)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to list upload parts")
	}
	return parts, nil
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
