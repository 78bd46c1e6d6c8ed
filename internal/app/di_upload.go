package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/allisson/effectd/internal/database"
	"github.com/allisson/effectd/internal/expiration"
	"github.com/allisson/effectd/internal/storage"
	uploadRepository "github.com/allisson/effectd/internal/upload/repository"
	uploadUseCase "github.com/allisson/effectd/internal/upload/usecase"
)

type uploadComponents struct {
	repo     uploadUseCase.SessionRepository
	tracker  *expiration.Tracker
	objects  storage.ObjectStorage
	useCase  uploadUseCase.UseCase
	listener *expiration.Listener

	repoInit     sync.Once
	trackerInit  sync.Once
	objectsInit  sync.Once
	useCaseInit  sync.Once
	listenerInit sync.Once
}

// SessionRepository returns the upload session repository for the configured driver.
func (c *Container) SessionRepository() (uploadUseCase.SessionRepository, error) {
	return lazy(c, &c.upload.repoInit, "sessionRepo", &c.upload.repo, func() (uploadUseCase.SessionRepository, error) {
		db, err := c.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database for session repository: %w", err)
		}
		switch c.config.DBDriver {
		case database.DriverMySQL:
			return uploadRepository.NewMySQLSessionRepository(db), nil
		case database.DriverPostgres:
			return uploadRepository.NewPostgreSQLSessionRepository(db), nil
		default:
			return nil, unsupportedDriver(c.config.DBDriver)
		}
	})
}

// ExpiryTracker returns the Redis expiry marker tracker of upload sessions.
func (c *Container) ExpiryTracker() (*expiration.Tracker, error) {
	return lazy(c, &c.upload.trackerInit, "expiryTracker", &c.upload.tracker, func() (*expiration.Tracker, error) {
		client, err := c.Redis()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis for expiry tracker: %w", err)
		}
		return expiration.NewTracker(client, c.config.ExpirationNamespace), nil
	})
}

// ObjectStorage returns the S3 client used to abort multipart uploads.
func (c *Container) ObjectStorage() (storage.ObjectStorage, error) {
	return lazy(c, &c.upload.objectsInit, "objectStorage", &c.upload.objects, func() (storage.ObjectStorage, error) {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		client, err := storage.NewS3Client(ctx, storage.S3Config{
			Region:   c.config.S3Region,
			Endpoint: c.config.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return storage.NewS3Storage(client, c.Logger()), nil
	})
}

// SessionUseCase returns the upload session use case, decorated with metrics.
func (c *Container) SessionUseCase() (uploadUseCase.UseCase, error) {
	return lazy(c, &c.upload.useCaseInit, "sessionUseCase", &c.upload.useCase, func() (uploadUseCase.UseCase, error) {
		txManager, err := c.TxManager()
		if err != nil {
			return nil, fmt.Errorf("failed to get tx manager for session use case: %w", err)
		}
		repo, err := c.SessionRepository()
		if err != nil {
			return nil, err
		}
		outbox, err := c.OutboxUseCase()
		if err != nil {
			return nil, err
		}
		arbiter, err := c.LockArbiter()
		if err != nil {
			return nil, err
		}
		tracker, err := c.ExpiryTracker()
		if err != nil {
			return nil, err
		}
		objects, err := c.ObjectStorage()
		if err != nil {
			return nil, err
		}
		businessMetrics, err := c.BusinessMetrics()
		if err != nil {
			return nil, err
		}

		useCase := uploadUseCase.NewSessionUseCase(uploadUseCase.Config{
			SessionTTL:        c.config.UploadSessionTTL,
			MaxAttempts:       c.config.UploadMaxAttempts,
			EventsDestination: c.config.QueueUploadEventsName,
			LockWait:          c.config.LockBoundedWait,
			LockLease:         c.config.LockDefaultLease,
		}, txManager, repo, outbox, arbiter, tracker, uploadUseCase.NewCleanupStrategies(objects), c.Logger())

		return uploadUseCase.NewSessionUseCaseWithMetrics(useCase, businessMetrics), nil
	})
}

// ExpirationListener returns the keyevent listener with the upload session
// handler registered under the tracker namespace.
func (c *Container) ExpirationListener() (*expiration.Listener, error) {
	return lazy(c, &c.upload.listenerInit, "expirationListener", &c.upload.listener, func() (*expiration.Listener, error) {
		client, err := c.Redis()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis for expiration listener: %w", err)
		}
		tracker, err := c.ExpiryTracker()
		if err != nil {
			return nil, err
		}
		sessions, err := c.SessionUseCase()
		if err != nil {
			return nil, err
		}

		listener := expiration.NewListener(client, expiration.ListenerConfig{
			DB:                     c.config.RedisDB,
			ConfigureNotifications: c.config.RedisConfigureNotifications,
		}, c.Logger())
		listener.Register(tracker.Namespace(), sessions)
		return listener, nil
	})
}
