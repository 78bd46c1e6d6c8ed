package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	validation "github.com/jellydator/validation"
	"gocloud.dev/blob"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/task/domain"
	customValidation "github.com/allisson/effectd/internal/validation"
)

// DownloadConfig configures the DownloadExecutor HTTP client.
type DownloadConfig struct {
	MaxRetries int
	RetryWait  time.Duration
}

// DownloadExecutor streams a source URL into a blob bucket.
type DownloadExecutor struct {
	client *retryablehttp.Client
	bucket *blob.Bucket
	logger *slog.Logger
}

// NewDownloadExecutor creates a new DownloadExecutor. The task context bounds
// each download, so the client carries no timeout of its own.
func NewDownloadExecutor(cfg DownloadConfig, bucket *blob.Bucket, logger *slog.Logger) *DownloadExecutor {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	if cfg.RetryWait > 0 {
		client.RetryWaitMin = cfg.RetryWait
		client.RetryWaitMax = 4 * cfg.RetryWait
	}
	client.Logger = logger
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &DownloadExecutor{client: client, bucket: bucket, logger: logger}
}

// Execute implements Executor.
func (d *DownloadExecutor) Execute(ctx context.Context, task *domain.Task) error {
	var payload domain.DownloadPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return apperrors.Wrap(domain.ErrInvalidPayload, err.Error())
	}
	err := validation.ValidateStruct(&payload,
		validation.Field(&payload.SourceURL, validation.Required, customValidation.HTTPURL),
		validation.Field(&payload.TargetKey, validation.Required, customValidation.NotBlank),
	)
	if err != nil {
		return apperrors.Wrap(domain.ErrInvalidPayload, err.Error())
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, payload.SourceURL, nil)
	if err != nil {
		return apperrors.Wrap(domain.ErrInvalidPayload, err.Error())
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("download %s failed: %v", payload.SourceURL, err))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return apperrors.Wrap(apperrors.ErrUnavailable,
			fmt.Sprintf("download %s returned status %d", payload.SourceURL, resp.StatusCode))
	}

	written, err := writeObject(ctx, d.bucket, payload.TargetKey, resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "download stored",
		slog.String("task_id", task.ID.String()),
		slog.String("target_key", payload.TargetKey),
		slog.Int64("bytes", written),
	)
	return nil
}

// writeObject copies r into key. A failed copy discards the partial object.
func writeObject(ctx context.Context, bucket *blob.Bucket, key string, r io.Reader, contentType string) (int64, error) {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bucket.NewWriter(writeCtx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to open %s: %v", key, err))
	}

	written, copyErr := io.Copy(w, r)
	if copyErr != nil {
		cancel()
		_ = w.Close()
		return 0, apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to write %s: %v", key, copyErr))
	}
	if err := w.Close(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to close %s: %v", key, err))
	}
	return written, nil
}
