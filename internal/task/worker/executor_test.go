package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/task/domain"
	"github.com/allisson/effectd/internal/testutil"
)

func newBucket(t *testing.T) *blob.Bucket {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	return bucket
}

func taskWithPayload(t *testing.T, kind domain.Kind, payload any) *domain.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &domain.Task{ID: uuid.New(), Kind: kind, Status: domain.StatusProcessing, Payload: raw}
}

func TestDownloadExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_StreamsIntoBucket", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		}))
		defer server.Close()

		bucket := newBucket(t)
		executor := NewDownloadExecutor(DownloadConfig{}, bucket, testutil.DiscardLogger())

		task := taskWithPayload(t, domain.KindDownload, domain.DownloadPayload{
			SourceURL: server.URL + "/a.png",
			TargetKey: "downloads/a.png",
		})
		require.NoError(t, executor.Execute(ctx, task))

		data, err := bucket.ReadAll(ctx, "downloads/a.png")
		require.NoError(t, err)
		assert.Equal(t, "png-bytes", string(data))

		attrs, err := bucket.Attributes(ctx, "downloads/a.png")
		require.NoError(t, err)
		assert.Equal(t, "image/png", attrs.ContentType)
	})

	t.Run("Error_RetriesServerErrors", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		bucket := newBucket(t)
		executor := NewDownloadExecutor(DownloadConfig{MaxRetries: 2, RetryWait: time.Millisecond}, bucket, testutil.DiscardLogger())

		task := taskWithPayload(t, domain.KindDownload, domain.DownloadPayload{SourceURL: server.URL, TargetKey: "x"})
		err := executor.Execute(ctx, task)
		assert.True(t, apperrors.Is(err, apperrors.ErrUnavailable))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

		exists, err := bucket.Exists(ctx, "x")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Error_NotFound", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()

		executor := NewDownloadExecutor(DownloadConfig{}, newBucket(t), testutil.DiscardLogger())
		task := taskWithPayload(t, domain.KindDownload, domain.DownloadPayload{SourceURL: server.URL, TargetKey: "x"})
		assert.Error(t, executor.Execute(ctx, task))
	})

	t.Run("Error_InvalidPayload", func(t *testing.T) {
		executor := NewDownloadExecutor(DownloadConfig{}, newBucket(t), testutil.DiscardLogger())

		for _, payload := range []domain.DownloadPayload{
			{SourceURL: "ftp://example.com/a", TargetKey: "a"},
			{SourceURL: "https://example.com/a"},
		} {
			err := executor.Execute(ctx, taskWithPayload(t, domain.KindDownload, payload))
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		}
	})
}

func TestTransformExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_RewritesWithContentType", func(t *testing.T) {
		bucket := newBucket(t)
		require.NoError(t, bucket.WriteAll(ctx, "in/a.bin", []byte("raw"), &blob.WriterOptions{
			ContentType: "application/octet-stream",
		}))

		executor := NewTransformExecutor(bucket, testutil.DiscardLogger())
		task := taskWithPayload(t, domain.KindTransform, domain.TransformPayload{
			SourceKey:   "in/a.bin",
			TargetKey:   "out/a.txt",
			ContentType: "text/plain",
		})
		require.NoError(t, executor.Execute(ctx, task))

		data, err := bucket.ReadAll(ctx, "out/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "raw", string(data))

		attrs, err := bucket.Attributes(ctx, "out/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "text/plain", attrs.ContentType)
	})

	t.Run("Error_SourceMissing", func(t *testing.T) {
		executor := NewTransformExecutor(newBucket(t), testutil.DiscardLogger())
		task := taskWithPayload(t, domain.KindTransform, domain.TransformPayload{SourceKey: "nope", TargetKey: "out"})

		err := executor.Execute(ctx, task)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("Error_InvalidPayload", func(t *testing.T) {
		executor := NewTransformExecutor(newBucket(t), testutil.DiscardLogger())
		task := taskWithPayload(t, domain.KindTransform, domain.TransformPayload{SourceKey: "a"})

		assert.ErrorIs(t, executor.Execute(ctx, task), domain.ErrInvalidPayload)
	})
}
