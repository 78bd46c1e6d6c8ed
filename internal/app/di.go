// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/allisson/effectd/internal/config"
	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/http"
	"github.com/allisson/effectd/internal/lock"
	"github.com/allisson/effectd/internal/metrics"
	"github.com/allisson/effectd/internal/tracing"
)

const connectTimeout = 5 * time.Second

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	db              *sql.DB
	txManager       database.TxManager
	redis           *redis.Client
	metricsProvider *metrics.Provider
	businessMetrics metrics.BusinessMetrics
	tracingProvider *tracing.Provider
	arbiter         *lock.RedisArbiter
	httpServer      *http.Server

	outbox   outboxComponents
	upload   uploadComponents
	task     taskComponents
	recovery recoveryComponents

	mu                  sync.Mutex
	loggerInit          sync.Once
	dbInit              sync.Once
	txManagerInit       sync.Once
	redisInit           sync.Once
	metricsProviderInit sync.Once
	businessMetricsInit sync.Once
	tracingProviderInit sync.Once
	arbiterInit         sync.Once
	httpServerInit      sync.Once
	initErrors          map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// lazy runs init once and caches its value or error under name.
func lazy[T any](c *Container, once *sync.Once, name string, slot *T, init func() (T, error)) (T, error) {
	once.Do(func() {
		v, err := init()
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.initErrors[name] = err
			return
		}
		*slot = v
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err, exists := c.initErrors[name]; exists {
		var zero T
		return zero, err
	}
	return *slot, nil
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the JSON logger, with trace and span ids added to every record.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
func (c *Container) DB() (*sql.DB, error) {
	return lazy(c, &c.dbInit, "db", &c.db, c.initDB)
}

// TxManager returns the transaction manager.
func (c *Container) TxManager() (database.TxManager, error) {
	return lazy(c, &c.txManagerInit, "txManager", &c.txManager, func() (database.TxManager, error) {
		db, err := c.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database for tx manager: %w", err)
		}
		return database.NewTxManager(db), nil
	})
}

// Redis returns the Redis client shared by locks, expiry markers and the delivery ledger.
func (c *Container) Redis() (*redis.Client, error) {
	return lazy(c, &c.redisInit, "redis", &c.redis, func() (*redis.Client, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     c.config.RedisAddr,
			Password: c.config.RedisPassword,
			DB:       c.config.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to connect to redis: %v", err))
		}
		return client, nil
	})
}

// MetricsProvider returns the Prometheus-backed meter provider, or nil when
// metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	return lazy(c, &c.metricsProviderInit, "metricsProvider", &c.metricsProvider, func() (*metrics.Provider, error) {
		if !c.config.MetricsEnabled {
			return nil, nil
		}
		provider, err := metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		return provider, nil
	})
}

// BusinessMetrics returns the business metrics recorder. It is a no-op when
// metrics are disabled.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	return lazy(c, &c.businessMetricsInit, "businessMetrics", &c.businessMetrics, func() (metrics.BusinessMetrics, error) {
		provider, err := c.MetricsProvider()
		if err != nil {
			return nil, err
		}
		if provider == nil {
			return metrics.NewNoOpBusinessMetrics(), nil
		}
		return metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
	})
}

// TracingProvider returns the tracer provider registered as the otel global.
func (c *Container) TracingProvider() (*tracing.Provider, error) {
	return lazy(c, &c.tracingProviderInit, "tracingProvider", &c.tracingProvider, func() (*tracing.Provider, error) {
		return tracing.NewProvider(c.config.MetricsNamespace, c.config.TracingEnabled, c.config.TracingSampleRatio)
	})
}

// LockArbiter returns the Redis lock arbiter.
func (c *Container) LockArbiter() (*lock.RedisArbiter, error) {
	return lazy(c, &c.arbiterInit, "arbiter", &c.arbiter, func() (*lock.RedisArbiter, error) {
		client, err := c.Redis()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis for lock arbiter: %w", err)
		}
		businessMetrics, err := c.BusinessMetrics()
		if err != nil {
			return nil, err
		}
		return lock.NewRedisArbiter(client, lock.RedisConfig{
			Namespace:  c.config.LockNamespace,
			RetryDelay: c.config.LockRetryDelay,
		}, c.Logger(), businessMetrics), nil
	})
}

// HTTPServer returns the operational server.
func (c *Container) HTTPServer() (*http.Server, error) {
	return lazy(c, &c.httpServerInit, "httpServer", &c.httpServer, func() (*http.Server, error) {
		db, err := c.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database for http server: %w", err)
		}
		client, err := c.Redis()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis for http server: %w", err)
		}
		provider, err := c.MetricsProvider()
		if err != nil {
			return nil, err
		}

		server := http.NewServer(db, client, c.config.ServerHost, c.config.MetricsPort, c.Logger())
		server.SetupRouter(provider, c.config.MetricsNamespace)
		return server, nil
	})
}

// Shutdown releases every initialized resource, servers first and connections last.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error

	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}
	errs = append(errs, c.shutdownTask(ctx)...)
	errs = append(errs, c.shutdownOutbox(ctx)...)

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}
	if c.tracingProvider != nil {
		if err := c.tracingProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing provider shutdown: %w", err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}

	return apperrors.Join(errs...)
}

func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(tracing.NewLogHandler(handler))
}

func (c *Container) initDB() (*sql.DB, error) {
	db, err := database.Connect(database.Config{
		Driver:             c.config.DBDriver,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// unsupportedDriver is returned by repository getters for an unknown DB_DRIVER.
func unsupportedDriver(driver string) error {
	return apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("unsupported database driver: %s", driver))
}
