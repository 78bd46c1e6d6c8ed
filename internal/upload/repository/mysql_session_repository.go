package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/upload/domain"
)

// MySQLSessionRepository implements session persistence for MySQL. Ids are
// stored as BINARY(16).
type MySQLSessionRepository struct {
	db *sql.DB
}

// NewMySQLSessionRepository creates a new MySQLSessionRepository.
func NewMySQLSessionRepository(db *sql.DB) *MySQLSessionRepository {
	return &MySQLSessionRepository{db: db}
}

// Create inserts a new session.
func (r *MySQLSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	querier := database.GetTx(ctx, r.db)

	id, err := session.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal upload session id")
	}

	query := `INSERT INTO upload_sessions (` + sessionColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = querier.ExecContext(
		ctx,
		query,
		id,
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
func (r *MySQLSessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal upload session id")
	}

	query := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = ?`

	session, err := scanSession(querier.QueryRowContext(ctx, query, idBytes).Scan, scanMySQLID)
	if err != nil {
		return nil, err
	}

	partsQuery := `SELECT session_id, part_number, etag, size, created_at
				   FROM upload_session_parts
				   WHERE session_id = ?
				   ORDER BY part_number ASC`

	session.Parts, err = queryParts(ctx, querier, scanMySQLID, partsQuery, idBytes)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AddPart inserts part. It returns false when the part number is already stored.
func (r *MySQLSessionRepository) AddPart(ctx context.Context, part domain.Part) (bool, error) {
	querier := database.GetTx(ctx, r.db)

	sessionID, err := part.SessionID.MarshalBinary()
	if err != nil {
		return false, apperrors.Wrap(err, "failed to marshal upload session id")
	}

	query := `INSERT INTO upload_session_parts (session_id, part_number, etag, size, created_at)
			  VALUES (?, ?, ?, ?, ?)`

	_, err = querier.ExecContext(ctx, query, sessionID, part.PartNumber, part.ETag, part.Size, part.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return false, nil
		}
		return false, apperrors.Wrap(err, "failed to add upload part")
	}
	return true, nil
}

// UpdateStatus writes the mutable fields of session if its stored status is
// still from. It returns domain.ErrStateConflict when no row matched.
func (r *MySQLSessionRepository) UpdateStatus(ctx context.Context, session *domain.Session, from domain.Status) error {
	querier := database.GetTx(ctx, r.db)

	id, err := session.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal upload session id")
	}

	query := `UPDATE upload_sessions
			  SET status = ?, attempt_count = ?, failure_reason = ?, started_at = ?,
			      completed_at = ?, updated_at = ?
			  WHERE id = ? AND status = ?`

	res, err := querier.ExecContext(
		ctx,
		query,
		session.Status,
		session.AttemptCount,
		session.FailureReason,
		session.StartedAt,
		session.CompletedAt,
		session.UpdatedAt,
		id,
		from,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update upload session")
	}
	return expectOneRow(res)
}

// ListExpired returns PREPARING or ACTIVE sessions whose deadline is before now.
func (r *MySQLSessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Session, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + sessionColumns + `
			  FROM upload_sessions
			  WHERE status IN (?, ?) AND expires_at < ?
			  ORDER BY expires_at ASC
			  LIMIT ?`

	sessions, err := querySessions(
		ctx, querier, scanMySQLID, query,
		domain.StatusPreparing, domain.StatusActive, now, limit,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list expired upload sessions")
	}
	return sessions, nil
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
