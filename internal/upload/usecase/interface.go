// Package usecase drives upload sessions through their lifecycle under the
// session lock and records every terminal transition in the outbox.
package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/upload/domain"
)

// SessionRepository defines session persistence. Implementations must be
// transaction-aware via database.GetTx.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error

	// Get retrieves a session with its parts. Returns ErrSessionNotFound if not found.
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)

	// AddPart inserts part and reports false when the part number already exists.
	AddPart(ctx context.Context, part domain.Part) (bool, error)

	// UpdateStatus persists session only if its stored status is still from.
	// Returns ErrStateConflict otherwise.
	UpdateStatus(ctx context.Context, session *domain.Session, from domain.Status) error

	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Session, error)
}

// ExpiryTracker arms and disarms the expiry marker of a session.
type ExpiryTracker interface {
	Track(ctx context.Context, sessionKey string, ttl time.Duration) error
	Untrack(ctx context.Context, sessionKey string) error
}

// UseCase defines the upload session operations.
type UseCase interface {
	Create(ctx context.Context, input domain.CreateSessionInput) (*domain.Session, error)

	// AddPart registers a part. Re-sending an identical part is a no-op.
	AddPart(ctx context.Context, id uuid.UUID, part domain.Part) (*domain.Session, error)

	// Complete finishes the session. Completing a COMPLETED session returns it unchanged.
	Complete(ctx context.Context, id uuid.UUID) (*domain.Session, error)

	// Abort runs the cleanup strategy and moves the session to ABORTED.
	Abort(ctx context.Context, id uuid.UUID) (*domain.Session, error)

	// Fail runs the cleanup strategy and moves the session to FAILED.
	Fail(ctx context.Context, id uuid.UUID, reason string) (*domain.Session, error)

	// HandleExpired expires the session named by sessionKey unless it is
	// terminal or locked by another worker.
	HandleExpired(ctx context.Context, sessionKey string) error

	// Expire expires a session whose deadline has passed. Returns ErrSessionBusy
	// when another worker holds the lock and ErrNotExpirable when the session is
	// terminal or not yet due.
	Expire(ctx context.Context, id uuid.UUID) error

	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)

	// ListExpired returns non-terminal sessions past their deadline.
	ListExpired(ctx context.Context, limit int) ([]*domain.Session, error)
}
