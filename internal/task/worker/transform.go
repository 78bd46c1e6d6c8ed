package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/task/domain"
)

// TransformExecutor rewrites an object of the bucket under a new key and
// content type. Applications with real transforms register their own Executor
// for TRANSFORM.
type TransformExecutor struct {
	bucket *blob.Bucket
	logger *slog.Logger
}

// NewTransformExecutor creates a new TransformExecutor.
func NewTransformExecutor(bucket *blob.Bucket, logger *slog.Logger) *TransformExecutor {
	return &TransformExecutor{bucket: bucket, logger: logger}
}

// Execute implements Executor.
func (t *TransformExecutor) Execute(ctx context.Context, task *domain.Task) error {
	var payload domain.TransformPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return apperrors.Wrap(domain.ErrInvalidPayload, err.Error())
	}
	if payload.SourceKey == "" || payload.TargetKey == "" {
		return apperrors.Wrap(domain.ErrInvalidPayload, "source_key and target_key are required")
	}

	r, err := t.bucket.NewReader(ctx, payload.SourceKey, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("source object %s not found", payload.SourceKey))
		}
		return apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to open %s: %v", payload.SourceKey, err))
	}
	defer r.Close() //nolint:errcheck

	contentType := payload.ContentType
	if contentType == "" {
		contentType = r.ContentType()
	}

	written, err := writeObject(ctx, t.bucket, payload.TargetKey, r, contentType)
	if err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "transform stored",
		slog.String("task_id", task.ID.String()),
		slog.String("source_key", payload.SourceKey),
		slog.String("target_key", payload.TargetKey),
		slog.Int64("bytes", written),
	)
	return nil
}
