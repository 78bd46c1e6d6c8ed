// Package expiration turns Redis key TTLs into expiry callbacks.
//
// A Tracker writes a marker {namespace}:active:{key} with a TTL while a unit of
// work is alive. When Redis expires the marker it publishes the key on
// __keyevent@<db>__:expired, and the Listener routes it to the Handler
// registered for the namespace. The marker is only a timer: handlers must
// reload state from the database and treat repeats as no-ops.
package expiration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/allisson/effectd/internal/errors"
)

const activeSegment = ":active:"

// MarkerKey returns the Redis key tracking sessionKey in namespace.
func MarkerKey(namespace, sessionKey string) string {
	return namespace + activeSegment + sessionKey
}

// Tracker writes and removes expiry markers for one namespace.
type Tracker struct {
	client    redis.UniversalClient
	namespace string
}

// NewTracker creates a Tracker.
func NewTracker(client redis.UniversalClient, namespace string) *Tracker {
	return &Tracker{client: client, namespace: namespace}
}

// Namespace returns the tracker namespace.
func (t *Tracker) Namespace() string {
	return t.namespace
}

// Track (re)arms the marker of sessionKey to expire after ttl.
func (t *Tracker) Track(ctx context.Context, sessionKey string, ttl time.Duration) error {
	if strings.TrimSpace(sessionKey) == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "session key cannot be empty")
	}
	if ttl <= 0 {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "ttl must be greater than 0")
	}

	key := MarkerKey(t.namespace, sessionKey)
	if err := t.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to track %s: %v", key, err))
	}
	return nil
}

// Untrack removes the marker so no expiry fires. Missing markers are ignored.
func (t *Tracker) Untrack(ctx context.Context, sessionKey string) error {
	key := MarkerKey(t.namespace, sessionKey)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to untrack %s: %v", key, err))
	}
	return nil
}
