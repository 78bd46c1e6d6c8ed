// Package storage wraps object storage: S3 multipart cleanup and gocloud blob
// buckets used as download targets.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets

	apperrors "github.com/allisson/effectd/internal/errors"
)

// ObjectStorage is the object store used by upload cleanup.
type ObjectStorage interface {
	// AbortMultipartUpload discards the parts of an unfinished multipart upload.
	// An upload that no longer exists is not an error.
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// S3Config configures the S3 client.
type S3Config struct {
	Region string
	// Endpoint overrides the service endpoint and switches to path-style addressing.
	Endpoint string
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Storage implements ObjectStorage on aws-sdk-go-v2.
type S3Storage struct {
	client *s3.Client
	logger *slog.Logger
}

// NewS3Storage creates a new S3Storage.
func NewS3Storage(client *s3.Client, logger *slog.Logger) *S3Storage {
	return &S3Storage{client: client, logger: logger}
}

// AbortMultipartUpload implements ObjectStorage.
func (s *S3Storage) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			s.logger.DebugContext(ctx, "multipart upload already gone",
				slog.String("bucket", bucket),
				slog.String("object_key", key),
			)
			return nil
		}
		return apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to abort multipart upload %s: %v", uploadID, err))
	}
	return nil
}

// OpenBucket opens a gocloud blob bucket such as mem://, file:///tmp/downloads
// or s3://bucket?region=us-east-1.
func OpenBucket(ctx context.Context, url string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", url, err)
	}
	return bucket, nil
}
