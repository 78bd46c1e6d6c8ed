// Package usecase implements the outbox writer, the relay that publishes due
// records, and the recovery hooks used by the stale-processing sweep.
package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/outbox/domain"
)

// RecordRepository defines outbox persistence. Implementations must be
// transaction-aware via database.GetTx and ClaimPending/ClaimRetryable must be
// called inside a transaction.
type RecordRepository interface {
	// Create inserts record and reports false when the idempotency key already exists.
	Create(ctx context.Context, record *domain.Record) (bool, error)

	// Get retrieves a record by id. Returns ErrRecordNotFound if not found.
	Get(ctx context.Context, id uuid.UUID) (*domain.Record, error)

	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Record, error)

	ClaimPending(ctx context.Context, now time.Time, limit int) ([]*domain.Record, error)

	ClaimRetryable(ctx context.Context, now, updatedBefore time.Time, limit int) ([]*domain.Record, error)

	ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Record, error)

	// UpdateStatus persists record only if its stored status is still from.
	// Returns ErrStateConflict otherwise.
	UpdateStatus(ctx context.Context, record *domain.Record, from domain.Status) error

	// Renew refreshes updated_at on a PROCESSING record this relay still owns.
	// Returns ErrStateConflict once the stale-outbox sweep has taken it back.
	Renew(ctx context.Context, record *domain.Record, now time.Time) error

	CountByStatus(ctx context.Context, since time.Time) (domain.StatusCounts, error)
}

// DeliveryLedger remembers idempotency keys that were already published.
type DeliveryLedger interface {
	Delivered(ctx context.Context, key string) (bool, string, error)
	Record(ctx context.Context, key, messageID string, ttl time.Duration) error
}

// Publisher delivers a payload to a destination and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) (string, error)
}

// Writer is the part of the outbox used by other bounded contexts to record
// side effects inside their own transactions.
type Writer interface {
	// Enqueue stores a new record. When the idempotency key already exists the
	// stored record is returned with created=false and nothing else happens.
	Enqueue(ctx context.Context, input domain.NewRecord) (*domain.Record, bool, error)
}

// UseCase defines the outbox operations.
type UseCase interface {
	Writer

	// ProcessBatch runs one relay tick: claim due records, publish them oldest
	// first, and advance their status. A failing record never stops the batch.
	ProcessBatch(ctx context.Context) (domain.BatchResult, error)

	// PollPending claims up to limit due PENDING records.
	PollPending(ctx context.Context, limit int) ([]*domain.Record, error)

	// Publish delivers record unless the delivery ledger already knows its key.
	// It reports whether the record was a duplicate.
	Publish(ctx context.Context, record *domain.Record) (bool, error)

	MarkCompleted(ctx context.Context, record *domain.Record) error

	// MarkFailed applies a failed publish. Returns true when the record is exhausted.
	MarkFailed(ctx context.Context, record *domain.Record, cause error) (bool, error)

	// StatusCounts returns counts per status, COMPLETED limited to records
	// processed since the given time.
	StatusCounts(ctx context.Context, since time.Time) (domain.StatusCounts, error)

	// Requeue gives a FAILED record a fresh retry budget.
	Requeue(ctx context.Context, id uuid.UUID) (*domain.Record, error)

	// ListStale returns PROCESSING records not touched for olderThan.
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Record, error)

	// RecoverStale completes a stale record whose key is in the delivery ledger
	// and re-drives any other to PENDING. It reports whether the record was completed.
	RecoverStale(ctx context.Context, record *domain.Record) (bool, error)
}
