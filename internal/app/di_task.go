package app

import (
	"context"
	"fmt"
	"sync"

	"gocloud.dev/blob"

	"github.com/allisson/effectd/internal/database"
	"github.com/allisson/effectd/internal/queue"
	"github.com/allisson/effectd/internal/storage"
	"github.com/allisson/effectd/internal/task/domain"
	taskRepository "github.com/allisson/effectd/internal/task/repository"
	taskUseCase "github.com/allisson/effectd/internal/task/usecase"
	"github.com/allisson/effectd/internal/task/worker"
)

type taskComponents struct {
	repo      taskUseCase.TaskRepository
	useCase   taskUseCase.UseCase
	bucket    *blob.Bucket
	worker    *worker.Worker
	consumers []*queue.Consumer

	repoInit      sync.Once
	useCaseInit   sync.Once
	bucketInit    sync.Once
	workerInit    sync.Once
	consumersInit sync.Once
}

// TaskQueues maps each task kind to its work queue.
func (c *Container) TaskQueues() map[domain.Kind]string {
	return map[domain.Kind]string{
		domain.KindDownload:  c.config.QueueDownloadName,
		domain.KindTransform: c.config.QueueTransformName,
	}
}

// TaskRepository returns the task repository for the configured driver.
func (c *Container) TaskRepository() (taskUseCase.TaskRepository, error) {
	return lazy(c, &c.task.repoInit, "taskRepo", &c.task.repo, func() (taskUseCase.TaskRepository, error) {
		db, err := c.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database for task repository: %w", err)
		}
		switch c.config.DBDriver {
		case database.DriverMySQL:
			return taskRepository.NewMySQLTaskRepository(db), nil
		case database.DriverPostgres:
			return taskRepository.NewPostgreSQLTaskRepository(db), nil
		default:
			return nil, unsupportedDriver(c.config.DBDriver)
		}
	})
}

// TaskUseCase returns the task lifecycle use case, decorated with metrics.
func (c *Container) TaskUseCase() (taskUseCase.UseCase, error) {
	return lazy(c, &c.task.useCaseInit, "taskUseCase", &c.task.useCase, func() (taskUseCase.UseCase, error) {
		txManager, err := c.TxManager()
		if err != nil {
			return nil, fmt.Errorf("failed to get tx manager for task use case: %w", err)
		}
		repo, err := c.TaskRepository()
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
		businessMetrics, err := c.BusinessMetrics()
		if err != nil {
			return nil, err
		}

		useCase := taskUseCase.NewTaskUseCase(taskUseCase.Config{
			MaxAttempts: c.config.TaskMaxAttempts,
			Timeout:     c.config.TaskTimeout,
			LockLease:   c.config.LockDefaultLease,
			Queues:      c.TaskQueues(),
		}, txManager, repo, outbox, arbiter, c.Logger())

		return taskUseCase.NewTaskUseCaseWithMetrics(useCase, businessMetrics), nil
	})
}

// DownloadBucket returns the blob bucket download and transform tasks write to.
func (c *Container) DownloadBucket() (*blob.Bucket, error) {
	return lazy(c, &c.task.bucketInit, "downloadBucket", &c.task.bucket, func() (*blob.Bucket, error) {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return storage.OpenBucket(ctx, c.config.DownloadBucketURL)
	})
}

// TaskWorker returns the worker executing claimed tasks.
func (c *Container) TaskWorker() (*worker.Worker, error) {
	return lazy(c, &c.task.workerInit, "taskWorker", &c.task.worker, func() (*worker.Worker, error) {
		tasks, err := c.TaskUseCase()
		if err != nil {
			return nil, err
		}
		bucket, err := c.DownloadBucket()
		if err != nil {
			return nil, err
		}

		logger := c.Logger()
		executors := worker.Executors{
			domain.KindDownload: worker.NewDownloadExecutor(worker.DownloadConfig{
				MaxRetries: c.config.WebhookMaxRetries,
			}, bucket, logger),
			domain.KindTransform: worker.NewTransformExecutor(bucket, logger),
		}
		return worker.NewWorker(tasks, executors, logger), nil
	})
}

// TaskConsumers opens one subscription per task queue. The queue topics are
// opened first so a worker can start before anything was published.
func (c *Container) TaskConsumers(ctx context.Context) ([]*queue.Consumer, error) {
	return lazy(c, &c.task.consumersInit, "taskConsumers", &c.task.consumers, func() ([]*queue.Consumer, error) {
		if _, err := c.Publisher(); err != nil {
			return nil, err
		}

		queues := []string{c.config.QueueDownloadName, c.config.QueueTransformName}
		if err := c.outbox.pubsub.EnsureTopics(ctx, queues...); err != nil {
			return nil, err
		}
		consumers := make([]*queue.Consumer, 0, len(queues))
		for _, name := range queues {
			consumer, err := queue.OpenConsumer(
				ctx,
				c.config.QueueSubscriptionURLTemplate,
				name,
				c.config.TaskWorkerConcurrency,
				c.Logger(),
			)
			if err != nil {
				for _, opened := range consumers {
					_ = opened.Shutdown(ctx)
				}
				return nil, err
			}
			consumers = append(consumers, consumer)
		}
		return consumers, nil
	})
}

func (c *Container) shutdownTask(ctx context.Context) []error {
	var errs []error
	for _, consumer := range c.task.consumers {
		if err := consumer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task consumer shutdown: %w", err))
		}
	}
	if c.task.bucket != nil {
		if err := c.task.bucket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("download bucket close: %w", err))
		}
	}
	return errs
}
