package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/testutil"
)

func newTestS3Storage(url string) *S3Storage {
	client := s3.New(s3.Options{
		Region:           "us-east-1",
		BaseEndpoint:     aws.String(url),
		UsePathStyle:     true,
		Credentials:      aws.AnonymousCredentials{},
		RetryMaxAttempts: 1,
	})
	return NewS3Storage(client, testutil.DiscardLogger())
}

func TestS3Storage_AbortMultipartUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		var method, path, uploadID string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
			path = r.URL.Path
			uploadID = r.URL.Query().Get("uploadId")
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		err := newTestS3Storage(server.URL).AbortMultipartUpload(ctx, "uploads", "videos/a.mp4", "up-1")

		require.NoError(t, err)
		assert.Equal(t, http.MethodDelete, method)
		assert.Equal(t, "/uploads/videos/a.mp4", path)
		assert.Equal(t, "up-1", uploadID)
	})

	t.Run("Success_NoSuchUploadIsIgnored", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchUpload</Code><Message>The specified upload does not exist.</Message></Error>`))
		}))
		defer server.Close()

		err := newTestS3Storage(server.URL).AbortMultipartUpload(ctx, "uploads", "a", "gone")

		assert.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Error_AccessDenied", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
		}))
		defer server.Close()

		err := newTestS3Storage(server.URL).AbortMultipartUpload(ctx, "uploads", "a", "up-1")

		require.Error(t, err)
		assert.True(t, apperrors.IsTransient(err))
		assert.True(t, strings.Contains(err.Error(), "up-1"))
	})
}

func TestOpenBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_Mem", func(t *testing.T) {
		bucket, err := OpenBucket(ctx, "mem://")
		require.NoError(t, err)
		defer func() { _ = bucket.Close() }()

		require.NoError(t, bucket.WriteAll(ctx, "k", []byte("v"), nil))
		got, err := bucket.ReadAll(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(got))
	})

	t.Run("Success_File", func(t *testing.T) {
		bucket, err := OpenBucket(ctx, "file://"+t.TempDir())
		require.NoError(t, err)
		assert.NoError(t, bucket.Close())
	})

	t.Run("Error_UnknownScheme", func(t *testing.T) {
		_, err := OpenBucket(ctx, "nope://bucket")
		assert.Error(t, err)
	})
}
