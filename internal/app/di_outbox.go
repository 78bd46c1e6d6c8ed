package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/allisson/effectd/internal/database"
	"github.com/allisson/effectd/internal/metrics"
	outboxRepository "github.com/allisson/effectd/internal/outbox/repository"
	outboxUseCase "github.com/allisson/effectd/internal/outbox/usecase"
	"github.com/allisson/effectd/internal/queue"
)

const deliveryLedgerNamespace = "outbox"

type outboxComponents struct {
	repo      outboxUseCase.RecordRepository
	ledger    outboxUseCase.DeliveryLedger
	pubsub    *queue.PubSubPublisher
	publisher queue.Publisher
	useCase   outboxUseCase.UseCase
	gauge     metric.Registration

	repoInit      sync.Once
	ledgerInit    sync.Once
	publisherInit sync.Once
	useCaseInit   sync.Once
	gaugeInit     sync.Once
}

// OutboxRepository returns the outbox record repository for the configured driver.
func (c *Container) OutboxRepository() (outboxUseCase.RecordRepository, error) {
	return lazy(c, &c.outbox.repoInit, "outboxRepo", &c.outbox.repo, func() (outboxUseCase.RecordRepository, error) {
		db, err := c.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database for outbox repository: %w", err)
		}
		switch c.config.DBDriver {
		case database.DriverMySQL:
			return outboxRepository.NewMySQLRecordRepository(db), nil
		case database.DriverPostgres:
			return outboxRepository.NewPostgreSQLRecordRepository(db), nil
		default:
			return nil, unsupportedDriver(c.config.DBDriver)
		}
	})
}

// DeliveryLedger returns the Redis ledger of delivered idempotency keys.
func (c *Container) DeliveryLedger() (outboxUseCase.DeliveryLedger, error) {
	return lazy(c, &c.outbox.ledgerInit, "deliveryLedger", &c.outbox.ledger, func() (outboxUseCase.DeliveryLedger, error) {
		client, err := c.Redis()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis for delivery ledger: %w", err)
		}
		return outboxRepository.NewRedisDeliveryLedger(client, deliveryLedgerNamespace), nil
	})
}

// Publisher returns the router sending outbox records to queues or webhooks.
func (c *Container) Publisher() (queue.Publisher, error) {
	return lazy(c, &c.outbox.publisherInit, "publisher", &c.outbox.publisher, func() (queue.Publisher, error) {
		if err := c.exportRabbitURL(); err != nil {
			return nil, err
		}
		logger := c.Logger()
		c.outbox.pubsub = queue.NewPubSubPublisher(c.config.QueueTopicURLTemplate, logger)
		webhook := queue.NewWebhookPublisher(queue.WebhookConfig{
			Timeout:    c.config.WebhookTimeout,
			MaxRetries: c.config.WebhookMaxRetries,
		}, logger)
		return queue.NewRouter(c.outbox.pubsub, webhook), nil
	})
}

// OutboxUseCase returns the outbox writer and relay, decorated with metrics.
func (c *Container) OutboxUseCase() (outboxUseCase.UseCase, error) {
	return lazy(c, &c.outbox.useCaseInit, "outboxUseCase", &c.outbox.useCase, func() (outboxUseCase.UseCase, error) {
		txManager, err := c.TxManager()
		if err != nil {
			return nil, fmt.Errorf("failed to get tx manager for outbox use case: %w", err)
		}
		repo, err := c.OutboxRepository()
		if err != nil {
			return nil, err
		}
		ledger, err := c.DeliveryLedger()
		if err != nil {
			return nil, err
		}
		publisher, err := c.Publisher()
		if err != nil {
			return nil, err
		}
		businessMetrics, err := c.BusinessMetrics()
		if err != nil {
			return nil, err
		}

		useCase := outboxUseCase.NewOutboxUseCase(outboxUseCase.Config{
			BatchSize:      c.config.OutboxBatchSize,
			MaxRetries:     c.config.OutboxMaxRetries,
			RetryInterval:  c.config.OutboxRetryInterval,
			BaseBackoff:    c.config.OutboxRetryInterval,
			PublishTimeout: c.config.QueuePublishTimeout,
			LedgerTTL:      c.config.OutboxLedgerTTL,
			PublishRate:    c.config.OutboxPublishRatePerSec,
		}, txManager, repo, ledger, publisher, c.Logger())

		return outboxUseCase.NewOutboxUseCaseWithMetrics(useCase, businessMetrics), nil
	})
}

// RegisterOutboxGauge exports outbox record counts per status as a gauge. It
// is a no-op when metrics are disabled.
func (c *Container) RegisterOutboxGauge() error {
	_, err := lazy(c, &c.outbox.gaugeInit, "outboxGauge", &c.outbox.gauge, func() (metric.Registration, error) {
		provider, err := c.MetricsProvider()
		if err != nil || provider == nil {
			return nil, err
		}
		useCase, err := c.OutboxUseCase()
		if err != nil {
			return nil, err
		}

		lookback := c.config.OutboxStatsLookback
		return metrics.RegisterStatusGauge(provider.MeterProvider(), c.config.MetricsNamespace, "outbox_records",
			"Outbox records per status",
			func(ctx context.Context) (map[string]int64, error) {
				counts, err := useCase.StatusCounts(ctx, time.Now().UTC().Add(-lookback))
				if err != nil {
					return nil, err
				}
				out := make(map[string]int64, len(counts))
				for status, n := range counts {
					out[string(status)] = n
				}
				return out, nil
			})
	})
	return err
}

// exportRabbitURL sets RABBIT_SERVER_URL, which gocloud reads when opening
// rabbit:// topics and subscriptions.
func (c *Container) exportRabbitURL() error {
	if c.config.RabbitServerURL == "" {
		return nil
	}
	if err := os.Setenv("RABBIT_SERVER_URL", c.config.RabbitServerURL); err != nil {
		return fmt.Errorf("failed to export rabbit server url: %w", err)
	}
	return nil
}

func (c *Container) shutdownOutbox(ctx context.Context) []error {
	var errs []error
	if c.outbox.gauge != nil {
		if err := c.outbox.gauge.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("outbox gauge unregister: %w", err))
		}
	}
	if c.outbox.pubsub != nil {
		if err := c.outbox.pubsub.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher shutdown: %w", err))
		}
	}
	return errs
}
