// Package domain defines the outbox record, its lifecycle, and the values
// exchanged by the relay.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Headers sent with every published record.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderEventType      = "X-Event-Type"
	HeaderAggregateType  = "X-Aggregate-Type"
	HeaderAggregateID    = "X-Aggregate-Id"
	HeaderRecordID       = "X-Outbox-Record-Id"
)

const maxBackoff = time.Hour

// Record is a durable side-effect waiting to be published to Destination.
type Record struct {
	ID             uuid.UUID
	IdempotencyKey string
	AggregateType  string
	AggregateID    string
	EventType      string
	Destination    string
	Payload        json.RawMessage
	Headers        map[string]string
	Status         Status
	RetryCount     int
	MaxRetries     int
	LastError      *string
	AvailableAt    time.Time
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// Version is bumped by every write. Conditional writes compare it, so a
	// relay that lost its claim cannot overwrite the new owner.
	Version int64
}

// NewRecord is the input accepted by the outbox writer.
type NewRecord struct {
	IdempotencyKey string
	AggregateType  string
	AggregateID    string
	EventType      string
	Destination    string
	// Payload is marshaled to JSON. json.RawMessage is stored as is.
	Payload    any
	Headers    map[string]string
	MaxRetries int
	// AvailableAt delays the first publish. Zero means now.
	AvailableAt time.Time
}

// Validate checks the fields every record needs.
func (n NewRecord) Validate() error {
	switch {
	case strings.TrimSpace(n.IdempotencyKey) == "":
		return ErrMissingIdempotencyKey
	case strings.TrimSpace(n.AggregateType) == "" || strings.TrimSpace(n.AggregateID) == "":
		return ErrMissingAggregate
	case strings.TrimSpace(n.EventType) == "":
		return ErrMissingEventType
	case strings.TrimSpace(n.Destination) == "":
		return ErrMissingDestination
	case n.MaxRetries < 0:
		return ErrInvalidMaxRetries
	}
	return nil
}

// IsTerminal reports whether the record will never be published again without
// operator intervention.
func (r *Record) IsTerminal() bool {
	return r.Status == StatusCompleted || (r.Status == StatusFailed && r.RetryCount >= r.MaxRetries)
}

// Complete marks the record delivered.
func (r *Record) Complete(now time.Time) {
	r.Status = StatusCompleted
	r.ProcessedAt = &now
	r.LastError = nil
	r.UpdatedAt = now
}

// Fail records a failed publish. The record goes back to PENDING after backoff
// while retries remain, and to FAILED once retry_count reaches max_retries.
// It reports whether the record is now exhausted.
func (r *Record) Fail(now time.Time, cause error, base time.Duration) bool {
	r.RetryCount++
	if cause != nil {
		msg := cause.Error()
		r.LastError = &msg
	}
	r.UpdatedAt = now

	if r.RetryCount >= r.MaxRetries {
		r.Status = StatusFailed
		return true
	}

	r.Status = StatusPending
	r.AvailableAt = now.Add(Backoff(base, r.RetryCount))
	return false
}

// ResetPending re-drives a record whose publisher disappeared mid-flight.
func (r *Record) ResetPending(now time.Time) {
	r.Status = StatusPending
	r.AvailableAt = now
	r.UpdatedAt = now
}

// Requeue gives a FAILED record a fresh retry budget.
func (r *Record) Requeue(now time.Time) error {
	if r.Status != StatusFailed {
		return ErrNotRequeueable
	}
	r.Status = StatusPending
	r.RetryCount = 0
	r.LastError = nil
	r.AvailableAt = now
	r.UpdatedAt = now
	return nil
}

// PublishHeaders returns the record headers plus the delivery headers.
func (r *Record) PublishHeaders() map[string]string {
	headers := make(map[string]string, len(r.Headers)+5)
	for k, v := range r.Headers {
		headers[k] = v
	}
	headers[HeaderIdempotencyKey] = r.IdempotencyKey
	headers[HeaderEventType] = r.EventType
	headers[HeaderAggregateType] = r.AggregateType
	headers[HeaderAggregateID] = r.AggregateID
	headers[HeaderRecordID] = r.ID.String()
	return headers
}

// Backoff returns base doubled for every retry after the first, capped at one hour.
func Backoff(base time.Duration, retry int) time.Duration {
	if base <= 0 || retry <= 0 {
		return 0
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// BatchResult summarizes one relay tick.
type BatchResult struct {
	Attempted  int
	Completed  int
	Retried    int
	Failed     int
	Duplicates int
	// Reclaimed counts records taken over by the stale-outbox sweep before
	// this relay reached them. They are left to their new owner.
	Reclaimed int
}

// StatusCounts holds record counts keyed by status.
type StatusCounts map[Status]int64
