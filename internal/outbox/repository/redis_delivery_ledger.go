package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/allisson/effectd/internal/errors"
)

// RedisDeliveryLedger remembers which idempotency keys were already published.
// Keys live under {namespace}:delivered:{idempotency_key} and hold the message id.
type RedisDeliveryLedger struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisDeliveryLedger creates a new RedisDeliveryLedger.
func NewRedisDeliveryLedger(client redis.UniversalClient, namespace string) *RedisDeliveryLedger {
	return &RedisDeliveryLedger{client: client, namespace: namespace}
}

// Delivered reports whether key was recorded and, if so, the message id it was
// published under.
func (l *RedisDeliveryLedger) Delivered(ctx context.Context, key string) (bool, string, error) {
	messageID, err := l.client.Get(ctx, l.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", apperrors.Wrap(apperrors.ErrUnavailable, "failed to read delivery ledger: "+err.Error())
	}
	return true, messageID, nil
}

// Record stores key for ttl. An existing entry is left untouched.
func (l *RedisDeliveryLedger) Record(ctx context.Context, key, messageID string, ttl time.Duration) error {
	if err := l.client.SetNX(ctx, l.key(key), messageID, ttl).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, "failed to write delivery ledger: "+err.Error())
	}
	return nil
}

func (l *RedisDeliveryLedger) key(idempotencyKey string) string {
	if l.namespace == "" {
		return "delivered:" + idempotencyKey
	}
	return l.namespace + ":delivered:" + idempotencyKey
}
