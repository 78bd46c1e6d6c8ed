package expiration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/allisson/effectd/internal/errors"
)

// Handler reacts to the expiry of a tracked key.
type Handler interface {
	HandleExpired(ctx context.Context, sessionKey string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sessionKey string) error

// HandleExpired calls f.
func (f HandlerFunc) HandleExpired(ctx context.Context, sessionKey string) error {
	return f(ctx, sessionKey)
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// DB is the logical database whose expiry events are consumed.
	DB int
	// ConfigureNotifications enables "Ex" keyspace events with CONFIG SET on start.
	ConfigureNotifications bool
}

// Listener subscribes to expired-key events and dispatches them by namespace.
type Listener struct {
	client redis.UniversalClient
	cfg    ListenerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	ready     chan struct{}
	readyOnce sync.Once
	inflight  sync.WaitGroup
}

// NewListener creates a Listener.
func NewListener(client redis.UniversalClient, cfg ListenerConfig, logger *slog.Logger) *Listener {
	return &Listener{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		ready:    make(chan struct{}),
	}
}

// Register routes expired markers of namespace to h.
func (l *Listener) Register(namespace string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[namespace] = h
}

// Channel returns the keyevent channel the listener subscribes to.
func (l *Listener) Channel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", l.cfg.DB)
}

// Ready is closed once the subscription is confirmed.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Run subscribes and dispatches events until ctx is done. In-flight handlers
// are awaited before it returns.
func (l *Listener) Run(ctx context.Context) error {
	if l.cfg.ConfigureNotifications {
		if err := l.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			l.logger.WarnContext(ctx, "failed to enable keyspace notifications, expecting them to be preconfigured",
				slog.Any("error", err))
		}
	}

	sub := l.client.Subscribe(ctx, l.Channel())
	defer sub.Close() //nolint:errcheck

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to subscribe to %s: %v", l.Channel(), err))
	}
	l.readyOnce.Do(func() { close(l.ready) })
	l.logger.InfoContext(ctx, "expiration listener subscribed", slog.String("channel", l.Channel()))

	defer l.inflight.Wait()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return apperrors.Wrap(apperrors.ErrUnavailable, "expiration subscription closed")
			}
			l.inflight.Add(1)
			go func(key string) {
				defer l.inflight.Done()
				l.Dispatch(context.WithoutCancel(ctx), key)
			}(msg.Payload)
		}
	}
}

// Dispatch routes one expired key. It reports whether a handler claimed it.
// Handler errors and panics are logged.
func (l *Listener) Dispatch(ctx context.Context, expiredKey string) bool {
	namespace, sessionKey, ok := l.route(expiredKey)
	if !ok {
		l.logger.DebugContext(ctx, "ignoring expired key", slog.String("key", expiredKey))
		return false
	}

	l.mu.RLock()
	h := l.handlers[namespace]
	l.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "expiration handler panicked",
				slog.String("namespace", namespace),
				slog.String("session_key", sessionKey),
				slog.Any("panic", r),
			)
		}
	}()

	if err := h.HandleExpired(ctx, sessionKey); err != nil {
		l.logger.ErrorContext(ctx, "expiration handler failed",
			slog.String("namespace", namespace),
			slog.String("session_key", sessionKey),
			slog.Any("error", err),
		)
	}
	return true
}

func (l *Listener) route(expiredKey string) (string, string, bool) {
	idx := strings.Index(expiredKey, activeSegment)
	if idx <= 0 {
		return "", "", false
	}
	namespace := expiredKey[:idx]
	sessionKey := expiredKey[idx+len(activeSegment):]
	if sessionKey == "" {
		return "", "", false
	}

	l.mu.RLock()
	_, ok := l.handlers[namespace]
	l.mu.RUnlock()
	return namespace, sessionKey, ok
}
