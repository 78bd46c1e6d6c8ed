// Package mocks provides mock implementations of the outbox use case
// dependencies for testing.
package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/allisson/effectd/internal/outbox/domain"
)

// MockTxManager runs fn directly unless an error is configured.
type MockTxManager struct {
	mock.Mock
}

func (m *MockTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, fn)
	if args.Get(0) != nil {
		return args.Error(0)
	}
	return fn(ctx)
}

// MockRecordRepository is a mock implementation of RecordRepository.
type MockRecordRepository struct {
	mock.Mock
}

func (m *MockRecordRepository) Create(ctx context.Context, record *domain.Record) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

func (m *MockRecordRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Record), args.Error(1)
}

func (m *MockRecordRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Record, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Record), args.Error(1)
}

func (m *MockRecordRepository) ClaimPending(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.Record, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Record), args.Error(1)
}

func (m *MockRecordRepository) ClaimRetryable(
	ctx context.Context,
	now, updatedBefore time.Time,
	limit int,
) ([]*domain.Record, error) {
	args := m.Called(ctx, now, updatedBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Record), args.Error(1)
}

func (m *MockRecordRepository) ListStaleProcessing(
	ctx context.Context,
	updatedBefore time.Time,
	limit int,
) ([]*domain.Record, error) {
	args := m.Called(ctx, updatedBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Record), args.Error(1)
}

func (m *MockRecordRepository) UpdateStatus(ctx context.Context, record *domain.Record, from domain.Status) error {
	args := m.Called(ctx, record, from)
	return args.Error(0)
}

func (m *MockRecordRepository) Renew(ctx context.Context, record *domain.Record, now time.Time) error {
	args := m.Called(ctx, record, now)
	return args.Error(0)
}

func (m *MockRecordRepository) CountByStatus(ctx context.Context, since time.Time) (domain.StatusCounts, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.StatusCounts), args.Error(1)
}

// MockDeliveryLedger is a mock implementation of DeliveryLedger.
type MockDeliveryLedger struct {
	mock.Mock
}

func (m *MockDeliveryLedger) Delivered(ctx context.Context, key string) (bool, string, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.String(1), args.Error(2)
}

func (m *MockDeliveryLedger) Record(ctx context.Context, key, messageID string, ttl time.Duration) error {
	args := m.Called(ctx, key, messageID, ttl)
	return args.Error(0)
}

// MockPublisher is a mock implementation of Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(
	ctx context.Context,
	destination string,
	payload []byte,
	headers map[string]string,
) (string, error) {
	args := m.Called(ctx, destination, payload, headers)
	return args.String(0), args.Error(1)
}

// MockWriter is a mock implementation of the outbox Writer.
type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) Enqueue(ctx context.Context, input domain.NewRecord) (*domain.Record, bool, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Record), args.Bool(1), args.Error(2)
}

// MockUseCase is a mock implementation of the outbox UseCase.
type MockUseCase struct {
	MockWriter
}

func (m *MockUseCase) ProcessBatch(ctx context.Context) (domain.BatchResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.BatchResult), args.Error(1)
}

func (m *MockUseCase) PollPending(ctx context.Context, limit int) ([]*domain.Record, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Record), args.Error(1)
}

func (m *MockUseCase) Publish(ctx context.Context, record *domain.Record) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

func (m *MockUseCase) MarkCompleted(ctx context.Context, record *domain.Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockUseCase) MarkFailed(ctx context.Context, record *domain.Record, cause error) (bool, error) {
	args := m.Called(ctx, record, cause)
	return args.Bool(0), args.Error(1)
}

func (m *MockUseCase) StatusCounts(ctx context.Context, since time.Time) (domain.StatusCounts, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.StatusCounts), args.Error(1)
}

func (m *MockUseCase) Requeue(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Record), args.Error(1)
}

func (m *MockUseCase) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Record, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Record), args.Error(1)
}

func (m *MockUseCase) RecoverStale(ctx context.Context, record *domain.Record) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}
