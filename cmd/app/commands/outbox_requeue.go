package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	outboxUseCase "github.com/allisson/effectd/internal/outbox/usecase"
)

// RunOutboxRequeue moves a FAILED outbox record back to PENDING with a fresh
// retry budget.
func RunOutboxRequeue(
	ctx context.Context,
	outbox outboxUseCase.UseCase,
	logger *slog.Logger,
	w io.Writer,
	id string,
	format string,
) error {
	if err := validateFormat(format); err != nil {
		return err
	}

	recordID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid outbox record id %q: %w", id, err)
	}

	record, err := outbox.Requeue(ctx, recordID)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox record: %w", err)
	}

	logger.Info("outbox record requeued", slog.String("outbox_id", record.ID.String()))

	if format == "json" {
		return writeJSON(w, map[string]any{
			"id":              record.ID.String(),
			"idempotency_key": record.IdempotencyKey,
			"status":          record.Status,
			"retry_count":     record.RetryCount,
		})
	}

	_, err = fmt.Fprintf(w, "Requeued outbox record %s (%s)\n", record.ID, record.IdempotencyKey)
	return err
}
