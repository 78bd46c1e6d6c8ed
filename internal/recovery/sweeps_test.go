package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/allisson/effectd/internal/config"
	outboxDomain "github.com/allisson/effectd/internal/outbox/domain"
	outboxMocks "github.com/allisson/effectd/internal/outbox/usecase/mocks"
	taskDomain "github.com/allisson/effectd/internal/task/domain"
	taskMocks "github.com/allisson/effectd/internal/task/usecase/mocks"
	"github.com/allisson/effectd/internal/testutil"
	uploadDomain "github.com/allisson/effectd/internal/upload/domain"
	uploadMocks "github.com/allisson/effectd/internal/upload/usecase/mocks"
)

type sweepFixture struct {
	outbox  *outboxMocks.MockUseCase
	tasks   *taskMocks.MockUseCase
	uploads *uploadMocks.MockUseCase
	sweeps  *Sweeps
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{
		outbox:  &outboxMocks.MockUseCase{},
		tasks:   &taskMocks.MockUseCase{},
		uploads: &uploadMocks.MockUseCase{},
	}
	f.sweeps = NewSweeps(f.outbox, f.tasks, f.uploads, testutil.DiscardLogger())
	t.Cleanup(func() {
		f.outbox.AssertExpectations(t)
		f.tasks.AssertExpectations(t)
		f.uploads.AssertExpectations(t)
	})
	return f
}

func TestSweeps_StaleOutbox(t *testing.T) {
	ctx := context.Background()

	t.Run("ContinuesAfterItemFailure", func(t *testing.T) {
		f := newSweepFixture(t)
		records := []*outboxDomain.Record{{ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}}

		f.outbox.On("ListStale", mock.Anything, time.Minute, 10).Return(records, nil).Once()
		f.outbox.On("RecoverStale", mock.Anything, records[0]).Return(true, nil).Once()
		f.outbox.On("RecoverStale", mock.Anything, records[1]).Return(false, errors.New("redis down")).Once()
		f.outbox.On("RecoverStale", mock.Anything, records[2]).Return(false, outboxDomain.ErrStateConflict).Once()
		f.outbox.On("RecoverStale", mock.Anything, records[3]).Return(false, nil).Once()

		result, err := f.sweeps.StaleOutbox(time.Minute, 10)(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Scanned: 4, Recovered: 2, Skipped: 1, Failed: 1}, result)
	})

	t.Run("Error_Scan", func(t *testing.T) {
		f := newSweepFixture(t)
		f.outbox.On("ListStale", mock.Anything, time.Minute, 10).Return(nil, errors.New("db down")).Once()

		_, err := f.sweeps.StaleOutbox(time.Minute, 10)(ctx)
		assert.Error(t, err)
	})
}

func TestSweeps_TaskExhaustion(t *testing.T) {
	f := newSweepFixture(t)
	tasks := []*taskDomain.Task{{ID: uuid.New()}, {ID: uuid.New()}}

	f.tasks.On("ListExhausted", mock.Anything, 5*time.Minute, 50).Return(tasks, nil).Once()
	f.tasks.On("TimeOut", mock.Anything, tasks[0]).Return(nil).Once()
	f.tasks.On("TimeOut", mock.Anything, tasks[1]).Return(taskDomain.ErrStateConflict).Once()

	result, err := f.sweeps.TaskExhaustion(5*time.Minute, 50)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Recovered: 1, Skipped: 1}, result)
}

func TestSweeps_TaskTimeout(t *testing.T) {
	f := newSweepFixture(t)
	tasks := []*taskDomain.Task{{ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}}

	f.tasks.On("ListOverdue", mock.Anything, 50).Return(tasks, nil).Once()
	f.tasks.On("Redispatch", mock.Anything, tasks[0]).Return(errors.New("db down")).Once()
	f.tasks.On("Redispatch", mock.Anything, tasks[1]).Return(taskDomain.ErrAttemptsExhausted).Once()
	f.tasks.On("Redispatch", mock.Anything, tasks[2]).Return(nil).Once()

	result, err := f.sweeps.TaskTimeout(50)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 3, Recovered: 1, Skipped: 1, Failed: 1}, result)
}

func TestSweeps_SessionExpiry(t *testing.T) {
	f := newSweepFixture(t)
	sessions := []*uploadDomain.Session{{ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}}

	f.uploads.On("ListExpired", mock.Anything, 50).Return(sessions, nil).Once()
	f.uploads.On("Expire", mock.Anything, sessions[0].ID).Return(errors.New("s3 down")).Once()
	f.uploads.On("Expire", mock.Anything, sessions[1].ID).Return(nil).Once()
	f.uploads.On("Expire", mock.Anything, sessions[2].ID).Return(uploadDomain.ErrSessionBusy).Once()
	f.uploads.On("Expire", mock.Anything, sessions[3].ID).Return(uploadDomain.ErrNotExpirable).Once()

	result, err := f.sweeps.SessionExpiry(50)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 4, Recovered: 1, Skipped: 2, Failed: 1}, result)
}

func TestSweeps_OutboxRelay(t *testing.T) {
	f := newSweepFixture(t)
	f.outbox.On("ProcessBatch", mock.Anything).Return(outboxDomain.BatchResult{Attempted: 3, Completed: 3}, nil).Once()
	f.outbox.On("ProcessBatch", mock.Anything).Return(outboxDomain.BatchResult{}, errors.New("db down")).Once()

	relay := f.sweeps.OutboxRelay()
	assert.NoError(t, relay(context.Background()))
	assert.Error(t, relay(context.Background()))
}

func TestSweeps_Register(t *testing.T) {
	f := newSweepFixture(t)
	scheduler := NewScheduler(testutil.DiscardLogger(), nil)

	cfg := &config.Config{Sweeps: map[string]config.SweepConfig{
		config.SweepOutboxRelay:    {Name: config.SweepOutboxRelay, Enabled: true, Interval: time.Second, BatchSize: 100},
		config.SweepStaleOutbox:    {Name: config.SweepStaleOutbox, Enabled: true, Cron: "*/5 * * * *", BatchSize: 10, Timeout: time.Minute},
		config.SweepTaskTimeout:    {Name: config.SweepTaskTimeout, Enabled: true, Interval: time.Minute, BatchSize: 10},
		config.SweepTaskExhaustion: {Name: config.SweepTaskExhaustion, Enabled: true, Interval: time.Minute, BatchSize: 10, Timeout: time.Minute},
		config.SweepSessionExpiry:  {Name: config.SweepSessionExpiry, Interval: time.Minute, BatchSize: 10},
	}}
	require.NoError(t, f.sweeps.Register(scheduler, cfg, nil))
	assert.Equal(t, []string{
		config.SweepOutboxRelay,
		config.SweepSessionExpiry,
		config.SweepStaleOutbox,
		config.SweepTaskExhaustion,
		config.SweepTaskTimeout,
	}, scheduler.Names())

	f.tasks.On("ListOverdue", mock.Anything, 10).Return([]*taskDomain.Task{}, nil).Once()
	require.NoError(t, scheduler.RunOnce(context.Background(), config.SweepTaskTimeout))
}

func TestSweepJob_RecordsResult(t *testing.T) {
	m := &mockBusinessMetrics{}
	cfg := config.SweepConfig{Name: "stale-outbox", Enabled: true, Interval: time.Second}
	job := SweepJob(cfg, func(ctx context.Context) (SweepResult, error) {
		return SweepResult{Scanned: 3, Recovered: 2, Failed: 1}, nil
	}, testutil.DiscardLogger(), m)

	m.On("RecordItems", mock.Anything, "recovery", "stale-outbox", "recovered", int64(2)).Return().Once()
	m.On("RecordItems", mock.Anything, "recovery", "stale-outbox", "skipped", int64(0)).Return().Once()
	m.On("RecordItems", mock.Anything, "recovery", "stale-outbox", "failed", int64(1)).Return().Once()

	assert.Equal(t, "stale-outbox", job.Name)
	assert.True(t, job.Enabled)
	require.NoError(t, job.Run(context.Background()))
	m.AssertExpectations(t)
}

type mockBusinessMetrics struct {
	mock.Mock
}

func (m *mockBusinessMetrics) RecordOperation(ctx context.Context, domain, operation, status string) {
	m.Called(ctx, domain, operation, status)
}

func (m *mockBusinessMetrics) RecordDuration(
	ctx context.Context,
	domain, operation string,
	duration time.Duration,
	status string,
) {
	m.Called(ctx, domain, operation, duration, status)
}

func (m *mockBusinessMetrics) RecordItems(ctx context.Context, domain, operation, outcome string, n int64) {
	m.Called(ctx, domain, operation, outcome, n)
}
