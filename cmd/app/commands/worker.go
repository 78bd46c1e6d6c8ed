package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/allisson/effectd/internal/app"
)

// RunWorker runs the recovery scheduler, the expiration listener, one task
// worker per queue and the ops server until SIGINT/SIGTERM or the first fatal
// error. Every worker process runs the same set; the lock arbiter keeps them
// from racing on the same unit of work.
func RunWorker(ctx context.Context, container *app.Container, version string) error {
	cfg := container.Config()
	gin.SetMode(cfg.GetGinMode())

	logger := container.Logger()
	logger.Info("starting worker", slog.String("version", version))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := container.TracingProvider(); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	scheduler, err := container.Scheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	listener, err := container.ExpirationListener()
	if err != nil {
		return fmt.Errorf("failed to initialize expiration listener: %w", err)
	}
	taskWorker, err := container.TaskWorker()
	if err != nil {
		return fmt.Errorf("failed to initialize task worker: %w", err)
	}
	consumers, err := container.TaskConsumers(ctx)
	if err != nil {
		return fmt.Errorf("failed to open task queues: %w", err)
	}
	server, err := container.HTTPServer()
	if err != nil {
		return fmt.Errorf("failed to initialize ops server: %w", err)
	}
	if err := container.RegisterOutboxGauge(); err != nil {
		return fmt.Errorf("failed to register outbox gauge: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	for _, consumer := range consumers {
		g.Go(func() error { return taskWorker.Run(gctx, consumer) })
	}
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	closeContainer(shutdownCtx, container, logger)

	if err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}
