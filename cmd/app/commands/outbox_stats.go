package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/allisson/effectd/internal/outbox/domain"
	outboxUseCase "github.com/allisson/effectd/internal/outbox/usecase"
)

var statusOrder = []domain.Status{
	domain.StatusPending,
	domain.StatusProcessing,
	domain.StatusCompleted,
	domain.StatusFailed,
}

// RunOutboxStats prints outbox record counts per status. COMPLETED counts only
// records processed within lookback.
func RunOutboxStats(
	ctx context.Context,
	outbox outboxUseCase.UseCase,
	logger *slog.Logger,
	w io.Writer,
	lookback time.Duration,
	format string,
) error {
	if err := validateFormat(format); err != nil {
		return err
	}

	since := time.Now().UTC().Add(-lookback)
	counts, err := outbox.StatusCounts(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to count outbox records: %w", err)
	}

	logger.Debug("outbox stats collected", slog.Time("since", since))

	if format == "json" {
		out := make(map[string]int64, len(statusOrder))
		for _, status := range statusOrder {
			out[string(status)] = counts[status]
		}
		return writeJSON(w, map[string]any{
			"since":  since.Format(time.RFC3339),
			"counts": out,
		})
	}

	for _, status := range statusOrder {
		if _, err := fmt.Fprintf(w, "%-10s %d\n", status, counts[status]); err != nil {
			return err
		}
	}
	return nil
}
