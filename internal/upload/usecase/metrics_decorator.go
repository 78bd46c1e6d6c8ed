package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/effectd/internal/metrics"
	"github.com/allisson/effectd/internal/upload/domain"
)

// sessionUseCaseWithMetrics decorates UseCase with metrics instrumentation.
type sessionUseCaseWithMetrics struct {
	next    UseCase
	metrics metrics.BusinessMetrics
}

// NewSessionUseCaseWithMetrics wraps a UseCase with metrics recording.
func NewSessionUseCaseWithMetrics(useCase UseCase, m metrics.BusinessMetrics) UseCase {
	return &sessionUseCaseWithMetrics{
		next:    useCase,
		metrics: m,
	}
}

func (s *sessionUseCaseWithMetrics) record(ctx context.Context, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordOperation(ctx, "upload", operation, status)
	s.metrics.RecordDuration(ctx, "upload", operation, time.Since(start), status)
}

func (s *sessionUseCaseWithMetrics) Create(
	ctx context.Context,
	input domain.CreateSessionInput,
) (*domain.Session, error) {
	start := time.Now()
	session, err := s.next.Create(ctx, input)
	s.record(ctx, "session_create", start, err)
	return session, err
}

func (s *sessionUseCaseWithMetrics) AddPart(
	ctx context.Context,
	id uuid.UUID,
	part domain.Part,
) (*domain.Session, error) {
	start := time.Now()
	session, err := s.next.AddPart(ctx, id, part)
	s.record(ctx, "session_add_part", start, err)
	return session, err
}

func (s *sessionUseCaseWithMetrics) Complete(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	start := time.Now()
	session, err := s.next.Complete(ctx, id)
	s.record(ctx, "session_complete", start, err)
	return session, err
}

func (s *sessionUseCaseWithMetrics) Abort(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	start := time.Now()
	session, err := s.next.Abort(ctx, id)
	s.record(ctx, "session_abort", start, err)
	return session, err
}

func (s *sessionUseCaseWithMetrics) Fail(ctx context.Context, id uuid.UUID, reason string) (*domain.Session, error) {
	start := time.Now()
	session, err := s.next.Fail(ctx, id, reason)
	s.record(ctx, "session_fail", start, err)
	return session, err
}

func (s *sessionUseCaseWithMetrics) HandleExpired(ctx context.Context, sessionKey string) error {
	start := time.Now()
	err := s.next.HandleExpired(ctx, sessionKey)
	s.record(ctx, "session_expire", start, err)
	return err
}

func (s *sessionUseCaseWithMetrics) Expire(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := s.next.Expire(ctx, id)
	s.record(ctx, "session_sweep_expire", start, err)
	return err
}

func (s *sessionUseCaseWithMetrics) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return s.next.Get(ctx, id)
}

func (s *sessionUseCaseWithMetrics) ListExpired(ctx context.Context, limit int) ([]*domain.Session, error) {
	return s.next.ListExpired(ctx, limit)
}
