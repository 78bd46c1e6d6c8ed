package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/outbox/domain"
	"github.com/allisson/effectd/internal/tracing"
)

// Config holds outbox use case configuration
type Config struct {
	BatchSize      int
	MaxRetries     int
	RetryInterval  time.Duration
	BaseBackoff    time.Duration
	PublishTimeout time.Duration
	LedgerTTL      time.Duration
	// PublishRate caps publishes per second. Zero disables the limit.
	PublishRate float64
}

// OutboxUseCase implements UseCase.
type OutboxUseCase struct {
	config    Config
	txManager database.TxManager
	repo      RecordRepository
	ledger    DeliveryLedger
	publisher Publisher
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
}

// NewOutboxUseCase creates a new OutboxUseCase
func NewOutboxUseCase(
	config Config,
	txManager database.TxManager,
	repo RecordRepository,
	ledger DeliveryLedger,
	publisher Publisher,
	logger *slog.Logger,
) *OutboxUseCase {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.PublishRate), 1)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	return &OutboxUseCase{
		config:    config,
		txManager: txManager,
		repo:      repo,
		ledger:    ledger,
		publisher: publisher,
		limiter:   limiter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue implements Writer.
func (u *OutboxUseCase) Enqueue(ctx context.Context, input domain.NewRecord) (*domain.Record, bool, error) {
	if err := input.Validate(); err != nil {
		return nil, false, err
	}

	payload, err := encodePayload(input.Payload)
	if err != nil {
		return nil, false, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, apperrors.Wrap(err, "failed to generate outbox record id")
	}

	now := u.now()
	availableAt := input.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	maxRetries := input.MaxRetries
	if maxRetries == 0 {
		maxRetries = u.config.MaxRetries
	}

	headers := make(map[string]string, len(input.Headers)+2)
	for k, v := range input.Headers {
		headers[k] = v
	}
	tracing.Inject(ctx, headers)

	record := &domain.Record{
		ID:             id,
		IdempotencyKey: input.IdempotencyKey,
		AggregateType:  input.AggregateType,
		AggregateID:    input.AggregateID,
		EventType:      input.EventType,
		Destination:    input.Destination,
		Payload:        payload,
		Headers:        headers,
		Status:         domain.StatusPending,
		MaxRetries:     maxRetries,
		AvailableAt:    availableAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := u.repo.Create(ctx, record)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := u.repo.GetByIdempotencyKey(ctx, input.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		u.logger.DebugContext(ctx, "outbox record already exists",
			slog.String("idempotency_key", input.IdempotencyKey),
			slog.String("outbox_id", existing.ID.String()),
		)
		return existing, false, nil
	}

	u.logger.DebugContext(ctx, "outbox record enqueued",
		slog.String("outbox_id", record.ID.String()),
		slog.String("idempotency_key", record.IdempotencyKey),
		slog.String("event_type", record.EventType),
	)
	return record, true, nil
}

// ProcessBatch implements UseCase.
func (u *OutboxUseCase) ProcessBatch(ctx context.Context) (domain.BatchResult, error) {
	var result domain.BatchResult

	ctx, span := tracing.Start(ctx, "outbox.process_batch")
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	now := u.now()
	var records []*domain.Record
	spanErr = u.txManager.WithTx(ctx, func(ctx context.Context) error {
		pending, err := u.repo.ClaimPending(ctx, now, u.config.BatchSize)
		if err != nil {
			return err
		}
		retryable, err := u.repo.ClaimRetryable(ctx, now, now.Add(-u.config.RetryInterval), u.config.BatchSize)
		if err != nil {
			return err
		}
		records = append(pending, retryable...)
		return nil
	})
	if spanErr != nil {
		return result, spanErr
	}
	if len(records) == 0 {
		return result, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	span.SetAttributes(attribute.Int("outbox.claimed", len(records)))

	u.logger.InfoContext(ctx, "processing outbox records", slog.Int("count", len(records)))

	for _, record := range records {
		// Records left in PROCESSING on shutdown are picked up by the stale-outbox sweep.
		if err := u.limiter.Wait(ctx); err != nil {
			return result, err
		}
		if err := u.repo.Renew(ctx, record, u.now()); err != nil {
			if apperrors.Is(err, domain.ErrStateConflict) {
				result.Reclaimed++
				u.logger.WarnContext(ctx, "outbox record reclaimed before publish",
					slog.String("outbox_id", record.ID.String()),
					slog.String("idempotency_key", record.IdempotencyKey),
				)
			} else {
				u.logger.ErrorContext(ctx, "failed to renew outbox record",
					slog.String("outbox_id", record.ID.String()),
					slog.Any("error", err),
				)
			}
			continue
		}
		result.Attempted++

		duplicate, err := u.Publish(ctx, record)
		if err != nil {
			u.logger.ErrorContext(ctx, "failed to publish outbox record",
				slog.String("outbox_id", record.ID.String()),
				slog.String("idempotency_key", record.IdempotencyKey),
				slog.String("destination", record.Destination),
				slog.Any("error", err),
			)

			exhausted, markErr := u.MarkFailed(ctx, record, err)
			switch {
			case markErr != nil:
				u.logger.ErrorContext(ctx, "failed to record outbox failure",
					slog.String("outbox_id", record.ID.String()),
					slog.Any("error", markErr),
				)
			case exhausted:
				result.Failed++
			default:
				result.Retried++
			}
			continue
		}

		if err := u.MarkCompleted(ctx, record); err != nil {
			u.logger.ErrorContext(ctx, "failed to complete outbox record",
				slog.String("outbox_id", record.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if duplicate {
			result.Duplicates++
		} else {
			result.Completed++
		}
	}

	return result, nil
}

// PollPending implements UseCase.
func (u *OutboxUseCase) PollPending(ctx context.Context, limit int) ([]*domain.Record, error) {
	var records []*domain.Record
	err := u.txManager.WithTx(ctx, func(ctx context.Context) error {
		var err error
		records, err = u.repo.ClaimPending(ctx, u.now(), limit)
		return err
	})
	return records, err
}

// Publish implements UseCase.
func (u *OutboxUseCase) Publish(ctx context.Context, record *domain.Record) (bool, error) {
	ctx = tracing.Extract(ctx, record.Headers)
	ctx, span := tracing.Start(ctx, "outbox.publish",
		attribute.String("outbox.id", record.ID.String()),
		attribute.String("outbox.event_type", record.EventType),
		attribute.String("outbox.destination", record.Destination),
	)

	duplicate, err := u.publish(ctx, record)
	tracing.End(span, err)
	return duplicate, err
}

func (u *OutboxUseCase) publish(ctx context.Context, record *domain.Record) (bool, error) {
	delivered, messageID, err := u.ledger.Delivered(ctx, record.IdempotencyKey)
	if err != nil {
		u.logger.WarnContext(ctx, "delivery ledger unavailable, publishing anyway",
			slog.String("idempotency_key", record.IdempotencyKey),
			slog.Any("error", err),
		)
	}
	if delivered {
		u.logger.InfoContext(ctx, "outbox record already delivered",
			slog.String("outbox_id", record.ID.String()),
			slog.String("idempotency_key", record.IdempotencyKey),
			slog.String("message_id", messageID),
		)
		return true, nil
	}

	headers := record.PublishHeaders()
	tracing.Inject(ctx, headers)

	publishCtx := ctx
	if u.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		publishCtx, cancel = context.WithTimeout(ctx, u.config.PublishTimeout)
		defer cancel()
	}

	messageID, err = u.publisher.Publish(publishCtx, record.Destination, record.Payload, headers)
	if err != nil {
		return false, err
	}

	if err := u.ledger.Record(ctx, record.IdempotencyKey, messageID, u.config.LedgerTTL); err != nil {
		u.logger.WarnContext(ctx, "failed to record delivery",
			slog.String("idempotency_key", record.IdempotencyKey),
			slog.Any("error", err),
		)
	}

	u.logger.DebugContext(ctx, "outbox record published",
		slog.String("outbox_id", record.ID.String()),
		slog.String("message_id", messageID),
	)
	return false, nil
}

// MarkCompleted implements UseCase.
func (u *OutboxUseCase) MarkCompleted(ctx context.Context, record *domain.Record) error {
	from := record.Status
	record.Complete(u.now())
	return u.repo.UpdateStatus(ctx, record, from)
}

// MarkFailed implements UseCase.
func (u *OutboxUseCase) MarkFailed(ctx context.Context, record *domain.Record, cause error) (bool, error) {
	from := record.Status
	exhausted := record.Fail(u.now(), cause, u.config.BaseBackoff)
	if err := u.repo.UpdateStatus(ctx, record, from); err != nil {
		return false, err
	}

	if exhausted {
		u.logger.WarnContext(ctx, "outbox record exhausted its retries",
			slog.String("outbox_id", record.ID.String()),
			slog.String("idempotency_key", record.IdempotencyKey),
			slog.Int("retry_count", record.RetryCount),
		)
	}
	return exhausted, nil
}

// StatusCounts implements UseCase.
func (u *OutboxUseCase) StatusCounts(ctx context.Context, since time.Time) (domain.StatusCounts, error) {
	return u.repo.CountByStatus(ctx, since)
}

// Requeue implements UseCase.
func (u *OutboxUseCase) Requeue(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	record, err := u.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := record.Requeue(u.now()); err != nil {
		return nil, err
	}
	if err := u.repo.UpdateStatus(ctx, record, domain.StatusFailed); err != nil {
		return nil, err
	}

	u.logger.InfoContext(ctx, "outbox record requeued", slog.String("outbox_id", id.String()))
	return record, nil
}

// ListStale implements UseCase.
func (u *OutboxUseCase) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Record, error) {
	return u.repo.ListStaleProcessing(ctx, u.now().Add(-olderThan), limit)
}

// RecoverStale implements UseCase.
func (u *OutboxUseCase) RecoverStale(ctx context.Context, record *domain.Record) (bool, error) {
	if record.Status != domain.StatusProcessing {
		return false, domain.ErrStateConflict
	}

	delivered, _, err := u.ledger.Delivered(ctx, record.IdempotencyKey)
	if err != nil {
		return false, err
	}

	if delivered {
		if err := u.MarkCompleted(ctx, record); err != nil {
			return false, err
		}
		return true, nil
	}

	record.ResetPending(u.now())
	if err := u.repo.UpdateStatus(ctx, record, domain.StatusProcessing); err != nil {
		return false, err
	}
	return false, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "outbox payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "outbox payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "failed to encode outbox payload: "+err.Error())
		}
		return b, nil
	}
}
