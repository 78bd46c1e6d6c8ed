// Package lock provides lease-based, re-entrant mutual exclusion over named
// resource keys shared by every worker process.
//
// Ownership is tracked per holder. A holder is an opaque id carried in the
// context; WithLock installs one when the context has none, so nested WithLock
// calls made from inside fn re-enter the same key instead of deadlocking.
package lock

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/effectd/internal/errors"
)

var (
	// ErrNoHolder is returned when the context carries no holder id.
	ErrNoHolder = apperrors.Wrap(apperrors.ErrInvalidInput, "lock holder missing from context")
	// ErrEmptyKey is returned for blank lock keys.
	ErrEmptyKey = apperrors.Wrap(apperrors.ErrInvalidInput, "lock key cannot be empty")
	// ErrInvalidLease is returned when the lease is not positive.
	ErrInvalidLease = apperrors.Wrap(apperrors.ErrInvalidInput, "lock lease must be greater than 0")
	// ErrNotHeld is returned by Release when the caller does not own the key.
	ErrNotHeld = apperrors.Wrap(apperrors.ErrConflict, "lock is not held by caller")
	// ErrLeaseLost is returned by Release when the lease expired before release.
	ErrLeaseLost = apperrors.Wrap(apperrors.ErrConflict, "lock lease expired before release")
)

// Arbiter grants exclusive ownership of keys.
type Arbiter interface {
	// TryAcquire blocks up to wait for key. A zero wait makes a single attempt.
	// Cancellation of ctx while waiting returns (false, nil).
	TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (bool, error)
	// Release gives key back. Re-entrant acquisitions must be released as many times
	// as they were acquired.
	Release(ctx context.Context, key string) error
	// IsHeldByCaller reports whether the holder in ctx currently owns key.
	IsHeldByCaller(ctx context.Context, key string) (bool, error)
}

// Policy bundles the wait and lease times used by WithLock.
type Policy struct {
	Wait  time.Duration
	Lease time.Duration
}

// ZeroWait is for best-effort work where skipping is acceptable.
func ZeroWait(lease time.Duration) Policy {
	return Policy{Wait: 0, Lease: lease}
}

// BoundedWait is for work where a short queueing delay beats dropping the request.
func BoundedWait(wait, lease time.Duration) Policy {
	return Policy{Wait: wait, Lease: lease}
}

// Outcome is the result of WithLock: either Acquired with fn's value, or Skipped
// because another holder owns the key.
type Outcome[T any] struct {
	value    T
	acquired bool
}

// Acquired returns an outcome carrying v.
func Acquired[T any](v T) Outcome[T] {
	return Outcome[T]{value: v, acquired: true}
}

// Skipped returns the outcome of a call that did not get the lock.
func Skipped[T any]() Outcome[T] {
	return Outcome[T]{}
}

// IsAcquired reports whether fn ran.
func (o Outcome[T]) IsAcquired() bool { return o.acquired }

// IsSkipped reports whether the lock was not acquired and fn did not run.
func (o Outcome[T]) IsSkipped() bool { return !o.acquired }

// Value returns fn's value and whether fn ran.
func (o Outcome[T]) Value() (T, bool) { return o.value, o.acquired }

// WithLock runs fn while holding key. The key is released when fn returns or
// panics. When the lock cannot be obtained within the policy's wait, fn is not
// called and Skipped is returned with a nil error. Backend failures are returned
// as errors.
func WithLock[T any](
	ctx context.Context,
	arbiter Arbiter,
	key string,
	policy Policy,
	fn func(ctx context.Context) (T, error),
) (Outcome[T], error) {
	ctx = WithHolder(ctx)

	held, err := arbiter.TryAcquire(ctx, key, policy.Wait, policy.Lease)
	if err != nil {
		return Skipped[T](), err
	}
	if !held {
		return Skipped[T](), nil
	}
	defer func() {
		_ = arbiter.Release(ctx, key)
	}()

	v, err := fn(ctx)
	return Acquired(v), err
}

type holderKey struct{}

// WithHolder returns ctx carrying a holder id, generating one if ctx has none.
func WithHolder(ctx context.Context) context.Context {
	if _, ok := HolderFrom(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, holderKey{}, uuid.NewString())
}

// NewHolder returns ctx carrying a fresh holder id, replacing any inherited one.
// Use it when a goroutine started from a locked section must not share its locks.
func NewHolder(ctx context.Context) context.Context {
	return context.WithValue(ctx, holderKey{}, uuid.NewString())
}

// HolderFrom returns the holder id carried by ctx.
func HolderFrom(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(holderKey{}).(string)
	return h, ok && h != ""
}

// Key joins parts into a lock key, e.g. Key("upload", "session", id).
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
