package lock

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/metrics"
)

const (
	maxTries       = 1000
	releaseTimeout = 5 * time.Second
)

// RedisConfig configures a RedisArbiter.
type RedisConfig struct {
	// Namespace prefixes every key written to Redis.
	Namespace string
	// RetryDelay is the pause between attempts while waiting.
	RetryDelay time.Duration
}

type lease struct {
	holder string
	mutex  *redsync.Mutex
	depth  int
}

// RedisArbiter implements Arbiter with redsync mutexes on a go-redis client.
// Ownership by holder is tracked in process; the Redis key value is the
// source of truth for whether a lease is still alive.
type RedisArbiter struct {
	client  redis.UniversalClient
	rs      *redsync.Redsync
	cfg     RedisConfig
	logger  *slog.Logger
	metrics metrics.BusinessMetrics

	mu   sync.Mutex
	held map[string]*lease
}

// NewRedisArbiter creates a RedisArbiter.
func NewRedisArbiter(
	client redis.UniversalClient,
	cfg RedisConfig,
	logger *slog.Logger,
	businessMetrics metrics.BusinessMetrics,
) *RedisArbiter {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if businessMetrics == nil {
		businessMetrics = metrics.NewNoOpBusinessMetrics()
	}
	return &RedisArbiter{
		client:  client,
		rs:      redsync.New(goredis.NewPool(client)),
		cfg:     cfg,
		logger:  logger,
		metrics: businessMetrics,
		held:    make(map[string]*lease),
	}
}

// TryAcquire implements Arbiter.
func (a *RedisArbiter) TryAcquire(ctx context.Context, key string, wait, leaseTime time.Duration) (bool, error) {
	holder, name, err := a.prepare(ctx, key)
	if err != nil {
		return false, err
	}
	if leaseTime <= 0 {
		return false, ErrInvalidLease
	}

	if reentered, err := a.reenter(ctx, name, holder); reentered || err != nil {
		return reentered, err
	}

	mutex := a.rs.NewMutex(
		name,
		redsync.WithExpiry(leaseTime),
		redsync.WithTries(a.tries(wait)),
		redsync.WithRetryDelay(a.cfg.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			a.logger.DebugContext(ctx, "lock wait cancelled", slog.String("lock_key", name))
			a.metrics.RecordOperation(ctx, "lock", "acquire", "cancelled")
			return false, nil
		}
		if isContention(err) {
			a.logger.DebugContext(ctx, "lock held by another worker", slog.String("lock_key", name))
			a.metrics.RecordOperation(ctx, "lock", "acquire", "skipped")
			return false, nil
		}
		a.metrics.RecordOperation(ctx, "lock", "acquire", "error")
		return false, apperrors.Wrap(apperrors.ErrUnavailable, "failed to acquire lock "+name+": "+err.Error())
	}

	a.mu.Lock()
	a.held[name] = &lease{holder: holder, mutex: mutex, depth: 1}
	a.mu.Unlock()

	a.metrics.RecordOperation(ctx, "lock", "acquire", "acquired")
	a.logger.DebugContext(ctx, "lock acquired", slog.String("lock_key", name))
	return true, nil
}

// Release implements Arbiter.
func (a *RedisArbiter) Release(ctx context.Context, key string) error {
	holder, name, err := a.prepare(ctx, key)
	if err != nil {
		return err
	}

	a.mu.Lock()
	l, ok := a.held[name]
	if !ok || l.holder != holder {
		a.mu.Unlock()
		return ErrNotHeld
	}
	l.depth--
	if l.depth > 0 {
		a.mu.Unlock()
		return nil
	}
	delete(a.held, name)
	a.mu.Unlock()

	// Release must survive the caller's cancellation.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	unlocked, err := l.mutex.UnlockContext(releaseCtx)
	if err != nil && !errors.Is(err, redsync.ErrLockAlreadyExpired) {
		a.logger.ErrorContext(ctx, "failed to release lock", slog.String("lock_key", name), slog.Any("error", err))
		return apperrors.Wrap(apperrors.ErrUnavailable, "failed to release lock "+name+": "+err.Error())
	}
	if !unlocked {
		a.logger.WarnContext(ctx, "lock lease expired before release", slog.String("lock_key", name))
		return ErrLeaseLost
	}

	a.logger.DebugContext(ctx, "lock released", slog.String("lock_key", name))
	return nil
}

// IsHeldByCaller implements Arbiter.
func (a *RedisArbiter) IsHeldByCaller(ctx context.Context, key string) (bool, error) {
	holder, name, err := a.prepare(ctx, key)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	l, ok := a.held[name]
	a.mu.Unlock()
	if !ok || l.holder != holder {
		return false, nil
	}

	value, err := a.client.Get(ctx, name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrUnavailable, "failed to read lock "+name+": "+err.Error())
	}
	return value == l.mutex.Value(), nil
}

// reenter bumps the depth of a lease the holder already owns and renews it.
func (a *RedisArbiter) reenter(ctx context.Context, name, holder string) (bool, error) {
	a.mu.Lock()
	l, ok := a.held[name]
	if !ok || l.holder != holder {
		a.mu.Unlock()
		return false, nil
	}
	l.depth++
	a.mu.Unlock()

	extended, err := l.mutex.ExtendContext(ctx)
	if err == nil && extended {
		return true, nil
	}

	// The lease is gone. Forget it and fall through to a fresh acquisition.
	a.mu.Lock()
	if cur, ok := a.held[name]; ok && cur == l {
		delete(a.held, name)
	}
	a.mu.Unlock()
	a.logger.WarnContext(ctx, "re-entrant lock lease lost", slog.String("lock_key", name), slog.Any("error", err))
	return false, nil
}

func (a *RedisArbiter) prepare(ctx context.Context, key string) (string, string, error) {
	if strings.TrimSpace(key) == "" {
		return "", "", ErrEmptyKey
	}
	holder, ok := HolderFrom(ctx)
	if !ok {
		return "", "", ErrNoHolder
	}
	if a.cfg.Namespace == "" {
		return holder, key, nil
	}
	return holder, a.cfg.Namespace + ":" + key, nil
}

func (a *RedisArbiter) tries(wait time.Duration) int {
	if wait <= 0 {
		return 1
	}
	n := int(wait/a.cfg.RetryDelay) + 1
	if n > maxTries {
		return maxTries
	}
	return n
}

// isContention reports whether err means another holder owns the key.
// redsync returns ErrFailed once retries run out and *ErrTaken when a quorum
// of nodes already holds the lock.
func isContention(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken)
}
