// Package repository persists outbox records in PostgreSQL or MySQL and keeps
// the Redis delivery ledger.
//
// All SQL repositories are transaction-aware through database.GetTx. Claim
// queries must run inside a transaction so FOR UPDATE SKIP LOCKED holds the
// selected rows until they are moved to PROCESSING.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/outbox/domain"
)

const recordColumns = `id, idempotency_key, aggregate_type, aggregate_id, event_type, destination,
	payload, headers, status, retry_count, max_retries, last_error, available_at, processed_at,
	created_at, updated_at, version`

// PostgreSQLRecordRepository implements outbox persistence for PostgreSQL.
type PostgreSQLRecordRepository struct {
	db *sql.DB
}

// NewPostgreSQLRecordRepository creates a new PostgreSQLRecordRepository.
func NewPostgreSQLRecordRepository(db *sql.DB) *PostgreSQLRecordRepository {
	return &PostgreSQLRecordRepository{db: db}
}

// Create inserts record. It returns false without error when a record with the
// same idempotency key already exists.
func (r *PostgreSQLRecordRepository) Create(ctx context.Context, record *domain.Record) (bool, error) {
	querier := database.GetTx(ctx, r.db)

	headers, err := marshalHeaders(record.Headers)
	if err != nil {
		return false, err
	}

	query := `INSERT INTO outbox_records (` + recordColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			  ON CONFLICT (idempotency_key) DO NOTHING`

	res, err := querier.ExecContext(
		ctx,
		query,
		record.ID,
		record.IdempotencyKey,
		record.AggregateType,
		record.AggregateID,
		record.EventType,
		record.Destination,
		string(record.Payload),
		string(headers),
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
		return false, apperrors.Wrap(err, "failed to create outbox record")
	}

	n, err := database.RowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get retrieves a record by id.
func (r *PostgreSQLRecordRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + recordColumns + ` FROM outbox_records WHERE id = $1`

	return scanRecord(querier.QueryRowContext(ctx, query, id).Scan, scanPostgresID)
}

// GetByIdempotencyKey retrieves a record by its idempotency key.
func (r *PostgreSQLRecordRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Record, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + recordColumns + ` FROM outbox_records WHERE idempotency_key = $1`

	return scanRecord(querier.QueryRowContext(ctx, query, key).Scan, scanPostgresID)
}

// ClaimPending moves up to limit due PENDING records to PROCESSING, oldest first.
func (r *PostgreSQLRecordRepository) ClaimPending(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.Record, error) {
	query := `SELECT ` + recordColumns + `
			  FROM outbox_records
			  WHERE status = $1 AND available_at <= $2
			  ORDER BY created_at ASC
			  LIMIT $3
			  FOR UPDATE SKIP LOCKED`

	return r.claim(ctx, now, query, domain.StatusPending, now, limit)
}

// ClaimRetryable moves up to limit FAILED records that still have retries left
// and were last touched before updatedBefore to PROCESSING, oldest first.
func (r *PostgreSQLRecordRepository) ClaimRetryable(
	ctx context.Context,
	now, updatedBefore time.Time,
	limit int,
) ([]*domain.Record, error) {
	query := `SELECT ` + recordColumns + `
			  FROM outbox_records
			  WHERE status = $1 AND retry_count < max_retries AND updated_at <= $2
			  ORDER BY created_at ASC
			  LIMIT $3
			  FOR UPDATE SKIP LOCKED`

	return r.claim(ctx, now, query, domain.StatusFailed, updatedBefore, limit)
}

func (r *PostgreSQLRecordRepository) claim(
	ctx context.Context,
	now time.Time,
	query string,
	args ...any,
) ([]*domain.Record, error) {
	querier := database.GetTx(ctx, r.db)

	records, err := queryRecords(ctx, querier, scanPostgresID, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to select outbox records")
	}
	if len(records) == 0 {
		return records, nil
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID.String())
	}

	update := `UPDATE outbox_records SET status = $1, updated_at = $2, version = version + 1
			   WHERE id = ANY($3::uuid[])`
	if _, err := querier.ExecContext(ctx, update, domain.StatusProcessing, now, pq.Array(ids)); err != nil {
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
func (r *PostgreSQLRecordRepository) ListStaleProcessing(
	ctx context.Context,
	updatedBefore time.Time,
	limit int,
) ([]*domain.Record, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + recordColumns + `
			  FROM outbox_records
			  WHERE status = $1 AND updated_at <= $2
			  ORDER BY created_at ASC
			  LIMIT $3`

	records, err := queryRecords(ctx, querier, scanPostgresID, query, domain.StatusProcessing, updatedBefore, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list stale outbox records")
	}
	return records, nil
}

// UpdateStatus writes the mutable fields of record if it is still in status
// from at the version record was read with. It returns domain.ErrStateConflict
// when no row matched.
func (r *PostgreSQLRecordRepository) UpdateStatus(
	ctx context.Context,
	record *domain.Record,
	from domain.Status,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_records
			  SET status = $1, retry_count = $2, last_error = $3, available_at = $4,
			      processed_at = $5, updated_at = $6, version = version + 1
			  WHERE id = $7 AND status = $8 AND version = $9`

	res, err := querier.ExecContext(
		ctx,
		query,
		record.Status,
		record.RetryCount,
		record.LastError,
		record.AvailableAt,
		record.ProcessedAt,
		record.UpdatedAt,
		record.ID,
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
// version record was claimed with, keeping it out of the stale-outbox sweep.
func (r *PostgreSQLRecordRepository) Renew(ctx context.Context, record *domain.Record, now time.Time) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE outbox_records SET updated_at = $1, version = version + 1
			  WHERE id = $2 AND status = $3 AND version = $4`

	res, err := querier.ExecContext(ctx, query, now, record.ID, domain.StatusProcessing, record.Version)
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
func (r *PostgreSQLRecordRepository) CountByStatus(ctx context.Context, since time.Time) (domain.StatusCounts, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT status, COUNT(*)
			  FROM outbox_records
			  WHERE status <> $1 OR processed_at >= $2
			  GROUP BY status`

	return countByStatus(ctx, querier, query, domain.StatusCompleted, since)
}

func scanPostgresID(dest *uuid.UUID) (any, func() error) {
	return dest, func() error { return nil }
}

// idScanner returns the scan target for an id column and a func converting it
// into dest after Scan.
type idScanner func(dest *uuid.UUID) (any, func() error)

func scanRecord(scan func(dest ...any) error, scanID idScanner) (*domain.Record, error) {
	var record domain.Record
	var payload, headers []byte

	target, convert := scanID(&record.ID)
	err := scan(
		target,
		&record.IdempotencyKey,
		&record.AggregateType,
		&record.AggregateID,
		&record.EventType,
		&record.Destination,
		&payload,
		&headers,
		&record.Status,
		&record.RetryCount,
		&record.MaxRetries,
		&record.LastError,
		&record.AvailableAt,
		&record.ProcessedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, apperrors.Wrap(err, "failed to scan outbox record")
	}
	if err := convert(); err != nil {
		return nil, apperrors.Wrap(err, "failed to parse outbox record id")
	}

	record.Payload = json.RawMessage(payload)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &record.Headers); err != nil {
			return nil, apperrors.Wrap(err, "failed to decode outbox record headers")
		}
	}
	return &record, nil
}

func queryRecords(
	ctx context.Context,
	querier database.Querier,
	scanID idScanner,
	query string,
	args ...any,
) ([]*domain.Record, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	records := make([]*domain.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows.Scan, scanID)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func countByStatus(
	ctx context.Context,
	querier database.Querier,
	query string,
	args ...any,
) (domain.StatusCounts, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to count outbox records")
	}
	defer rows.Close() //nolint:errcheck

	counts := domain.StatusCounts{
		domain.StatusPending:    0,
		domain.StatusProcessing: 0,
		domain.StatusCompleted:  0,
		domain.StatusFailed:     0,
	}
	for rows.Next() {
		var status domain.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan outbox status count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to count outbox records")
	}
	return counts, nil
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode outbox record headers")
	}
	return b, nil
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
