package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/outbox/domain"
)

// MySQLRecordRepository implements outbox persistence for MySQL. Ids are stored
// as BINARY(16).
type MySQLRecordRepository struct {
	db *sql.DB
}

// NewMySQLRecordRepository creates a new MySQLRecordRepository.
func NewMySQLRecordRepository(db *sql.DB) *MySQLRecordRepository {
	return &MySQLRecordRepository{db: db}
}

// Create inserts record. It returns false without error when a record with the
// same idempotency key already exists.
func (r *MySQLRecordRepository) Create(ctx context.Context, record *domain.Record) (bool, error) {
	querier := database.GetTx(ctx, r.db)

	id, err := record.ID.MarshalBinary()
	if err != nil {
		return false, apperrors.Wrap(err, "failed to marshal outbox record id")
	}
	headers, err := marshalHeaders(record.Headers)
	if err != nil {
		return false, err
	}

	query := `INSERT INTO outbox_records (` + recordColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = querier.ExecContext(
		ctx,
		query,
		id,
		record.IdempotencyKey,
		record.AggregateType,
		record.AggregateID,
		record.EventType,
		record.Destination,
		[]byte(record.Payload),
		headers,
		record.Status,
		record.RetryCount,
		record.MaxRetries,
		record.LastError,
		record.AvailableAt,
		record.ProcessedAt,
		record.CreatedAt,
		record.UpdatedAt,
		record.Version,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return false, nil
		}
		return false, apperrors.Wrap(err, "failed to create outbox record")
	}
	return true, nil
}

// Get retrieves a record by id.
func (r *MySQLRecordRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	querier := database.GetTx(ctx, r.db)

	idBytes, err := id.MarshalBinary()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal outbox record id")
	}

	query := `SELECT ` + recordColumns + ` FROM outbox_records WHERE id = ?`

	return scanRecord(querier.QueryRowContext(ctx, query, idBytes).Scan, scanMySQLID)
}

// GetByIdempotencyKey retrieves a record by its idempotency key.
func (r *MySQLRecordRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Record, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + recordColumns + ` FROM outbox_records WHERE idempotency_key = ?`

	return scanRecord(querier.QueryRowContext(ctx, query, key).Scan, scanMySQLID)
}

// ClaimPending moves up to limit due PENDING records to PROCESSING, oldest first.
func (r *MySQLRecordRepository) ClaimPending(ctx context.Context, now time.Time, limit int) ([]*domain.Record, error) {
	query := `SELECT ` + recordColumns + `
			  FROM outbox_records
			  WHERE status = ? AND available_at <= ?
			  ORDER BY created_at ASC
			  LIMIT ?
			  FOR UPDATE SKIP LOCKED`

	return r.claim(ctx, now, query, domain.StatusPending, now, limit)
}

// ClaimRetryable moves up to limit FAILED records that still have retries left
// and were last touched before updatedBefore to PROCESSING, oldest first.
func (r *MySQLRecordRepository) ClaimRetryable(
	ctx context.Context,
	now, updatedBefore time.Time,
	limit int,
) ([]*domain.Record, error) {
	query := `SELECT ` + recordColumns + `
			  FROM outbox_records
			  WHERE status = ? AND retry_count < max_retries AND updated_at <= ?
			  ORDER BY created_at ASC
			  LIMIT ?
			  FOR UPDATE SKIP LOCKED`

	return r.claim(ctx, now, query, domain.StatusFailed, updatedBefore, limit)
}

func (r *MySQLRecordRepository) claim(
	ctx context.Context,
	now time.Time,
	query string,
	args ...any,
) ([]*domain.Record, error) {
	querier := database.GetTx(ctx, r.db)

	records, err := queryRecords(ctx, querier, scanMySQLID, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to select outbox records")
	}
	if len(records) == 0 {
		return records, nil
	}

	updateArgs := []any{domain.StatusProcessing, now}
	for _, record := range records {
		id, err := record.ID.MarshalBinary()
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to marshal outbox record id")
		}
		updateArgs = append(updateArgs, id)
	}

	update := `UPDATE outbox_records SET status = ?, updated_at = ?, version = version + 1 WHERE id IN (` +
		database.Placeholders(len(records)) + `)`
	if _, err := querier.ExecContext(ctx, update, updateArgs...); err != nil {
		return nil, apperrors.Wrap(err, "failed to claim outbox records")
	}

	for _, record := range records {
		record.Status = domain.StatusProcessing
		record.UpdatedAt = now
		record.Version++
	}
	return records, nil
}

// ListStaleProcessing returns PROCESSING records last touched before updatedBefore.
func (r *MySQLRecordRepository) ListStaleProcessing(
	ctx context.Context,
	updatedBefore time.Time,
	limit int,
) ([]*domain.Record, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + recordColumns + `
			  FROM outbox_records
			  WHERE status = ? AND updated_at <= ?
			  ORDER BY created_at ASC
			  LIMIT ?`

	records, err := queryRecords(ctx, querier, scanMySQLID, query, domain.StatusProcessing, updatedBefore, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list stale outbox records")
	}
	return records, nil
}

// UpdateStatus writes the mutable fields of record if it is still in status
// from at the version record was read with.
func (r *MySQLRecordRepository) UpdateStatus(ctx context.Context, record *domain.Record, from domain.Status) error {
	querier := database.GetTx(ctx, r.db)

	id, err := record.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal outbox record id")
	}

	query := `UPDATE outbox_records
			  SET status = ?, retry_count = ?, last_error = ?, available_at = ?,
			      processed_at = ?, updated_at = ?, version = version + 1
			  WHERE id = ? AND status = ? AND version = ?`

	res, err := querier.ExecContext(
		ctx,
		query,
		record.Status,
		record.RetryCount,
		record.LastError,
		record.AvailableAt,
		record.ProcessedAt,
		record.UpdatedAt,
		id,
		from,
		record.Version,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update outbox record")
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	record.Version++
	return nil
}

// Renew refreshes updated_at on a PROCESSING record that still carries the
// version record was claimed with.
func (r *MySQLRecordRepository) Renew(ctx context.Context, record *domain.Record, now time.Time) error {
	querier := database.GetTx(ctx, r.db)

	id, err := record.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal outbox record id")
	}

	query := `UPDATE outbox_records SET updated_at = ?, version = version + 1
			  WHERE id = ? AND status = ? AND version = ?`

	res, err := querier.ExecContext(ctx, query, now, id, domain.StatusProcessing, record.Version)
	if err != nil {
		return apperrors.Wrap(err, "failed to renew outbox record")
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	record.UpdatedAt = now
	record.Version++
	return nil
}

// CountByStatus counts PENDING, PROCESSING and FAILED records overall and
// COMPLETED records processed since the given time.
func (r *MySQLRecordRepository) CountByStatus(ctx context.Context, since time.Time) (domain.StatusCounts, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT status, COUNT(*)
			  FROM outbox_records
			  WHERE status <> ? OR processed_at >= ?
			  GROUP BY status`

	return countByStatus(ctx, querier, query, domain.StatusCompleted, since)
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
