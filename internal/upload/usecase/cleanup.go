package usecase

import (
	"context"

	"github.com/allisson/effectd/internal/storage"
	"github.com/allisson/effectd/internal/upload/domain"
)

// CleanupStrategy releases the storage held by a session that will not complete.
type CleanupStrategy interface {
	Cleanup(ctx context.Context, session *domain.Session) error
}

// SingleCleanup is the strategy of single-shot uploads, which hold nothing.
type SingleCleanup struct{}

// Cleanup implements CleanupStrategy.
func (SingleCleanup) Cleanup(context.Context, *domain.Session) error {
	return nil
}

// MultipartCleanup aborts the storage multipart upload of a session.
type MultipartCleanup struct {
	objects storage.ObjectStorage
}

// NewMultipartCleanup creates a new MultipartCleanup.
func NewMultipartCleanup(objects storage.ObjectStorage) *MultipartCleanup {
	return &MultipartCleanup{objects: objects}
}

// Cleanup implements CleanupStrategy.
func (c *MultipartCleanup) Cleanup(ctx context.Context, session *domain.Session) error {
	if session.UploadID == nil || *session.UploadID == "" {
		return nil
	}
	return c.objects.AbortMultipartUpload(ctx, session.Bucket, session.ObjectKey, *session.UploadID)
}

// CleanupStrategies maps each session kind to its cleanup.
type CleanupStrategies map[domain.Kind]CleanupStrategy

// NewCleanupStrategies returns the strategies of every known kind.
func NewCleanupStrategies(objects storage.ObjectStorage) CleanupStrategies {
	return CleanupStrategies{
		domain.KindSingle:    SingleCleanup{},
		domain.KindMultipart: NewMultipartCleanup(objects),
	}
}

// For returns the strategy of kind.
func (c CleanupStrategies) For(kind domain.Kind) (CleanupStrategy, error) {
	strategy, ok := c[kind]
	if !ok {
		return nil, domain.ErrUnknownKind
	}
	return strategy, nil
}
