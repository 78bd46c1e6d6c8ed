package domain

import (
	"github.com/allisson/effectd/internal/errors"
)

// Outbox errors.
var (
	// ErrRecordNotFound indicates no record has the requested id or key.
	ErrRecordNotFound = errors.Wrap(errors.ErrNotFound, "outbox record not found")

	// ErrStateConflict indicates a conditional update matched no row because the
	// record moved on concurrently.
	ErrStateConflict = errors.Wrap(errors.ErrConflict, "outbox record state changed concurrently")

	// ErrNotRequeueable is returned when requeueing a record that is not FAILED.
	ErrNotRequeueable = errors.Wrap(errors.ErrConflict, "only failed outbox records can be requeued")

	ErrMissingIdempotencyKey = errors.Wrap(errors.ErrInvalidInput, "idempotency key is required")
	ErrMissingAggregate      = errors.Wrap(errors.ErrInvalidInput, "aggregate type and id are required")
	ErrMissingEventType      = errors.Wrap(errors.ErrInvalidInput, "event type is required")
	ErrMissingDestination    = errors.Wrap(errors.ErrInvalidInput, "destination is required")
	ErrInvalidMaxRetries     = errors.Wrap(errors.ErrInvalidInput, "max retries cannot be negative")
)
