package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// SweepRunner runs registered recovery sweeps on demand.
type SweepRunner interface {
	Names() []string
	RunOnce(ctx context.Context, name string) error
}

// RunSweep runs one recovery sweep immediately, enabled or not.
func RunSweep(ctx context.Context, runner SweepRunner, logger *slog.Logger, w io.Writer, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("sweep name is required (available: %s)", strings.Join(runner.Names(), ", "))
	}

	logger.Info("running sweep", slog.String("sweep", name))

	start := time.Now()
	if err := runner.RunOnce(ctx, name); err != nil {
		return fmt.Errorf("sweep %s failed: %w", name, err)
	}

	_, err := fmt.Fprintf(w, "Sweep %s completed in %s\n", name, time.Since(start).Round(time.Millisecond))
	return err
}
