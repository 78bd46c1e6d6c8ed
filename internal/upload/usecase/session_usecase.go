package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/allisson/effectd/internal/database"
	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/lock"
	outboxDomain "github.com/allisson/effectd/internal/outbox/domain"
	outboxUseCase "github.com/allisson/effectd/internal/outbox/usecase"
	"github.com/allisson/effectd/internal/tracing"
	"github.com/allisson/effectd/internal/upload/domain"
)

// Session lifecycle event types written to the outbox.
const (
	EventSessionCreated   = "upload.session.created"
	EventSessionCompleted = "upload.session.completed"
	EventSessionAborted   = "upload.session.aborted"
	EventSessionFailed    = "upload.session.failed"
	EventSessionExpired   = "upload.session.expired"

	aggregateType = "upload_session"
)

// Config holds upload use case configuration
type Config struct {
	SessionTTL  time.Duration
	MaxAttempts int
	// EventsDestination is the queue receiving session events.
	EventsDestination string
	LockWait          time.Duration
	LockLease         time.Duration
}

// SessionUseCase implements UseCase.
type SessionUseCase struct {
	config    Config
	txManager database.TxManager
	repo      SessionRepository
	outbox    outboxUseCase.Writer
	arbiter   lock.Arbiter
	tracker   ExpiryTracker
	cleanups  CleanupStrategies
	logger    *slog.Logger
	now       func() time.Time
}

// NewSessionUseCase creates a new SessionUseCase
func NewSessionUseCase(
	config Config,
	txManager database.TxManager,
	repo SessionRepository,
	outbox outboxUseCase.Writer,
	arbiter lock.Arbiter,
	tracker ExpiryTracker,
	cleanups CleanupStrategies,
	logger *slog.Logger,
) *SessionUseCase {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.LockLease <= 0 {
		config.LockLease = 30 * time.Second
	}
	return &SessionUseCase{
		config:    config,
		txManager: txManager,
		repo:      repo,
		outbox:    outbox,
		arbiter:   arbiter,
		tracker:   tracker,
		cleanups:  cleanups,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SessionLockKey is the lock key guarding a session.
func SessionLockKey(id uuid.UUID) string {
	return lock.Key("upload", "session", id.String())
}

type sessionEvent struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Bucket     string    `json:"bucket"`
	ObjectKey  string    `json:"object_key"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Create implements UseCase.
func (u *SessionUseCase) Create(ctx context.Context, input domain.CreateSessionInput) (*domain.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to generate upload session id")
	}
	if input.MaxAttempts <= 0 {
		input.MaxAttempts = u.config.MaxAttempts
	}

	session, err := domain.NewSession(id, input, u.now(), u.config.SessionTTL)
	if err != nil {
		return nil, err
	}

	err = u.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := u.repo.Create(ctx, session); err != nil {
			return err
		}
		return u.emit(ctx, session, EventSessionCreated)
	})
	if err != nil {
		return nil, err
	}

	if u.config.SessionTTL > 0 {
		if err := u.tracker.Track(ctx, session.ID.String(), u.config.SessionTTL); err != nil {
			u.logger.WarnContext(ctx, "failed to arm session expiry marker",
				slog.String("session_id", session.ID.String()),
				slog.Any("error", err),
			)
		}
	}

	u.logger.InfoContext(ctx, "upload session created",
		slog.String("session_id", session.ID.String()),
		slog.String("kind", string(session.Kind)),
	)
	return session, nil
}

// AddPart implements UseCase.
func (u *SessionUseCase) AddPart(ctx context.Context, id uuid.UUID, part domain.Part) (*domain.Session, error) {
	return u.withSession(ctx, id, func(ctx context.Context, session *domain.Session) (*domain.Session, error) {
		now := u.now()
		from := session.Status
		part.SessionID = session.ID
		part.CreatedAt = now

		added, err := session.AddPart(part, now)
		if err != nil {
			return nil, err
		}
		if !added {
			return session, nil
		}

		err = u.txManager.WithTx(ctx, func(ctx context.Context) error {
			inserted, err := u.repo.AddPart(ctx, part)
			if err != nil {
				return err
			}
			if !inserted {
				return domain.ErrStateConflict
			}
			return u.repo.UpdateStatus(ctx, session, from)
		})
		if err != nil {
			return nil, err
		}
		return session, nil
	})
}

// Complete implements UseCase.
func (u *SessionUseCase) Complete(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return u.withSession(ctx, id, func(ctx context.Context, session *domain.Session) (*domain.Session, error) {
		if session.Status == domain.StatusCompleted {
			return session, nil
		}

		now := u.now()
		from := session.Status
		session.AttemptCount++

		err := session.Complete(now)
		switch {
		case err == nil:
			if err := u.persist(ctx, session, from, EventSessionCompleted); err != nil {
				return nil, err
			}
			u.untrack(ctx, session)
			u.logger.InfoContext(ctx, "upload session completed", slog.String("session_id", id.String()))
			return session, nil

		case errors.Is(err, domain.ErrPartsIncomplete):
			if session.AttemptCount < session.MaxAttempts {
				if err := u.repo.UpdateStatus(ctx, session, from); err != nil {
					return nil, err
				}
				return nil, err
			}
			reason := fmt.Sprintf("parts incomplete after %d attempts, missing %v", session.AttemptCount, session.MissingParts())
			if failErr := session.Fail(now, reason); failErr != nil {
				return nil, failErr
			}
			if termErr := u.terminate(ctx, session, from, EventSessionFailed); termErr != nil {
				return nil, termErr
			}
			return nil, err

		default:
			return nil, err
		}
	})
}

// Abort implements UseCase.
func (u *SessionUseCase) Abort(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return u.withSession(ctx, id, func(ctx context.Context, session *domain.Session) (*domain.Session, error) {
		if session.Status == domain.StatusAborted {
			return session, nil
		}
		from := session.Status
		if err := session.Abort(u.now()); err != nil {
			return nil, err
		}
		if err := u.terminate(ctx, session, from, EventSessionAborted); err != nil {
			return nil, err
		}
		return session, nil
	})
}

// Fail implements UseCase.
func (u *SessionUseCase) Fail(ctx context.Context, id uuid.UUID, reason string) (*domain.Session, error) {
	return u.withSession(ctx, id, func(ctx context.Context, session *domain.Session) (*domain.Session, error) {
		if session.Status == domain.StatusFailed {
			return session, nil
		}
		from := session.Status
		if err := session.Fail(u.now(), reason); err != nil {
			return nil, err
		}
		if err := u.terminate(ctx, session, from, EventSessionFailed); err != nil {
			return nil, err
		}
		return session, nil
	})
}

// HandleExpired implements UseCase and expiration.Handler. The notification
// itself marks the deadline, so the session is not checked against it.
// Sessions that are gone, terminal or locked elsewhere are left alone.
func (u *SessionUseCase) HandleExpired(ctx context.Context, sessionKey string) error {
	id, err := uuid.Parse(sessionKey)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "invalid session key "+sessionKey)
	}

	err = u.expireLocked(ctx, id, false)
	switch {
	case errors.Is(err, domain.ErrSessionBusy):
		u.logger.DebugContext(ctx, "upload session locked elsewhere, skipping expiry",
			slog.String("session_id", sessionKey))
		return nil
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrNotExpirable):
		u.logger.DebugContext(ctx, "upload session no longer expirable",
			slog.String("session_id", sessionKey),
			slog.Any("reason", err),
		)
		return nil
	}
	return err
}

// Expire implements UseCase.
func (u *SessionUseCase) Expire(ctx context.Context, id uuid.UUID) error {
	return u.expireLocked(ctx, id, true)
}

func (u *SessionUseCase) expireLocked(ctx context.Context, id uuid.UUID, dueOnly bool) error {
	ctx, span := tracing.Start(ctx, "upload.expire", attribute.String("upload.session_id", id.String()))
	out, err := lock.WithLock(ctx, u.arbiter, SessionLockKey(id), lock.ZeroWait(u.config.LockLease),
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, u.expire(ctx, id, dueOnly)
		})
	tracing.End(span, err)
	if err != nil {
		return err
	}
	if out.IsSkipped() {
		return domain.ErrSessionBusy
	}
	return nil
}

func (u *SessionUseCase) expire(ctx context.Context, id uuid.UUID, dueOnly bool) error {
	session, err := u.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	now := u.now()
	if session.IsTerminal() || (dueOnly && !session.IsExpired(now)) {
		return domain.ErrNotExpirable
	}

	from := session.Status
	if err := session.Expire(now); err != nil {
		return err
	}
	if err := u.terminate(ctx, session, from, EventSessionExpired); err != nil {
		return err
	}

	u.logger.InfoContext(ctx, "upload session expired",
		slog.String("session_id", id.String()),
		slog.String("kind", string(session.Kind)),
	)
	return nil
}

// Get implements UseCase.
func (u *SessionUseCase) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return u.repo.Get(ctx, id)
}

// ListExpired implements UseCase.
func (u *SessionUseCase) ListExpired(ctx context.Context, limit int) ([]*domain.Session, error) {
	return u.repo.ListExpired(ctx, u.now(), limit)
}

// withSession loads the session under a bounded-wait lock and runs fn.
func (u *SessionUseCase) withSession(
	ctx context.Context,
	id uuid.UUID,
	fn func(ctx context.Context, session *domain.Session) (*domain.Session, error),
) (*domain.Session, error) {
	policy := lock.BoundedWait(u.config.LockWait, u.config.LockLease)
	out, err := lock.WithLock(ctx, u.arbiter, SessionLockKey(id), policy,
		func(ctx context.Context) (*domain.Session, error) {
			session, err := u.repo.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return fn(ctx, session)
		})
	if err != nil {
		return nil, err
	}

	session, ok := out.Value()
	if !ok {
		return nil, domain.ErrSessionBusy
	}
	return session, nil
}

// terminate runs the cleanup strategy, persists the terminal session with its
// event and disarms the expiry marker. Cleanup failures leave the stored
// session untouched so a later attempt retries.
func (u *SessionUseCase) terminate(
	ctx context.Context,
	session *domain.Session,
	from domain.Status,
	eventType string,
) error {
	strategy, err := u.cleanups.For(session.Kind)
	if err != nil {
		return err
	}
	if err := strategy.Cleanup(ctx, session); err != nil {
		u.logger.ErrorContext(ctx, "upload session cleanup failed",
			slog.String("session_id", session.ID.String()),
			slog.Any("error", err),
		)
		return err
	}

	if err := u.persist(ctx, session, from, eventType); err != nil {
		return err
	}
	u.untrack(ctx, session)
	return nil
}

func (u *SessionUseCase) persist(
	ctx context.Context,
	session *domain.Session,
	from domain.Status,
	eventType string,
) error {
	return u.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := u.repo.UpdateStatus(ctx, session, from); err != nil {
			return err
		}
		return u.emit(ctx, session, eventType)
	})
}

func (u *SessionUseCase) emit(ctx context.Context, session *domain.Session, eventType string) error {
	event := sessionEvent{
		SessionID:  session.ID.String(),
		Kind:       string(session.Kind),
		Status:     string(session.Status),
		Bucket:     session.Bucket,
		ObjectKey:  session.ObjectKey,
		OccurredAt: session.UpdatedAt,
	}
	if session.FailureReason != nil {
		event.Reason = *session.FailureReason
	}

	_, _, err := u.outbox.Enqueue(ctx, outboxDomain.NewRecord{
		IdempotencyKey: "upload:" + session.ID.String() + ":" + eventType,
		AggregateType:  aggregateType,
		AggregateID:    session.ID.String(),
		EventType:      eventType,
		Destination:    u.config.EventsDestination,
		Payload:        event,
	})
	return err
}

func (u *SessionUseCase) untrack(ctx context.Context, session *domain.Session) {
	if err := u.tracker.Untrack(ctx, session.ID.String()); err != nil {
		u.logger.WarnContext(ctx, "failed to clear session expiry marker",
			slog.String("session_id", session.ID.String()),
			slog.Any("error", err),
		)
	}
}
