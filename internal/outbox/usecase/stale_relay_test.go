package usecase

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/outbox/domain"
	"github.com/allisson/effectd/internal/testutil"
)

// memoryRecordRepository keeps records by id and applies the same status and
// version conditions as the SQL repositories. Callers only ever see copies.
type memoryRecordRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.Record
}

func newMemoryRecordRepository(records ...*domain.Record) *memoryRecordRepository {
	repo := &memoryRecordRepository{records: make(map[uuid.UUID]domain.Record)}
	for _, r := range records {
		repo.records[r.ID] = *r
	}
	return repo
}

func (m *memoryRecordRepository) Create(_ context.Context, record *domain.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = *record
	return true, nil
}

func (m *memoryRecordRepository) Get(_ context.Context, id uuid.UUID) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return &r, nil
}

func (m *memoryRecordRepository) GetByIdempotencyKey(_ context.Context, key string) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.IdempotencyKey == key {
			r := r
			return &r, nil
		}
	}
	return nil, domain.ErrRecordNotFound
}

func (m *memoryRecordRepository) claim(match func(domain.Record) bool, now time.Time, limit int) []*domain.Record {
	var claimed []*domain.Record
	for id, r := range m.records {
		if len(claimed) == limit {
			break
		}
		if !match(r) {
			continue
		}
		r.Status = domain.StatusProcessing
		r.UpdatedAt = now
		r.Version++
		m.records[id] = r
		r := r
		claimed = append(claimed, &r)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed
}

func (m *memoryRecordRepository) ClaimPending(_ context.Context, now time.Time, limit int) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claim(func(r domain.Record) bool {
		return r.Status == domain.StatusPending && !r.AvailableAt.After(now)
	}, now, limit), nil
}

func (m *memoryRecordRepository) ClaimRetryable(
	_ context.Context,
	now, updatedBefore time.Time,
	limit int,
) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claim(func(r domain.Record) bool {
		return r.Status == domain.StatusFailed && r.RetryCount < r.MaxRetries && !r.UpdatedAt.After(updatedBefore)
	}, now, limit), nil
}

func (m *memoryRecordRepository) ListStaleProcessing(
	_ context.Context,
	updatedBefore time.Time,
	limit int,
) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*domain.Record
	for _, r := range m.records {
		if r.Status == domain.StatusProcessing && r.UpdatedAt.Before(updatedBefore) && len(stale) < limit {
			r := r
			stale = append(stale, &r)
		}
	}
	return stale, nil
}

func (m *memoryRecordRepository) UpdateStatus(_ context.Context, record *domain.Record, from domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[record.ID]
	if !ok || stored.Status != from || stored.Version != record.Version {
		return domain.ErrStateConflict
	}
	record.Version++
	m.records[record.ID] = *record
	return nil
}

func (m *memoryRecordRepository) Renew(_ context.Context, record *domain.Record, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[record.ID]
	if !ok || stored.Status != domain.StatusProcessing || stored.Version != record.Version {
		return domain.ErrStateConflict
	}
	stored.UpdatedAt = now
	stored.Version++
	m.records[record.ID] = stored
	record.UpdatedAt = now
	record.Version = stored.Version
	return nil
}

func (m *memoryRecordRepository) CountByStatus(_ context.Context, _ time.Time) (domain.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := domain.StatusCounts{}
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

type memoryLedger struct {
	mu        sync.Mutex
	delivered map[string]string
}

func (l *memoryLedger) Delivered(_ context.Context, key string) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.delivered[key]
	return ok, id, nil
}

func (l *memoryLedger) Record(_ context.Context, key, messageID string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered[key] = messageID
	return nil
}

type publisherFunc func(ctx context.Context, destination string, payload []byte, headers map[string]string) (string, error)

func (f publisherFunc) Publish(
	ctx context.Context,
	destination string,
	payload []byte,
	headers map[string]string,
) (string, error) {
	return f(ctx, destination, payload, headers)
}

type inlineTxManager struct{}

func (inlineTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// relayClock is shared by the relay and the sweeper so the test can move
// time forward while a publish is in flight.
type relayClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *relayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *relayClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestOutboxUseCase_ProcessBatch_StaleSweepDuringSlowPublish(t *testing.T) {
	ctx := context.Background()
	const staleAfter = time.Minute

	clock := &relayClock{now: fixedNow}
	first := newRecord("k1", domain.StatusPending, 0, fixedNow.Add(-2*time.Second))
	second := newRecord("k2", domain.StatusPending, 0, fixedNow.Add(-time.Second))
	first.AvailableAt, second.AvailableAt = first.CreatedAt, second.CreatedAt
	repo := newMemoryRecordRepository(first, second)
	ledger := &memoryLedger{delivered: make(map[string]string)}
	config := Config{BatchSize: 10, MaxRetries: 3, RetryInterval: time.Minute, BaseBackoff: time.Second, LedgerTTL: time.Hour}

	// The sweeper runs on another instance with the same repository and ledger.
	sweeper := NewOutboxUseCase(config, inlineTxManager{}, repo, ledger, nil, testutil.DiscardLogger())
	sweeper.now = clock.Now

	var published []string
	var sweptKeys []string
	publisher := publisherFunc(func(ctx context.Context, _ string, _ []byte, headers map[string]string) (string, error) {
		key := headers[domain.HeaderIdempotencyKey]
		published = append(published, key)
		if key == "k1" {
			// The first publish stalls past the stale timeout and the sweep fires.
			clock.Advance(2 * staleAfter)
			stale, err := sweeper.ListStale(ctx, staleAfter, 10)
			require.NoError(t, err)
			for _, r := range stale {
				// k1 is still in flight on this relay. Stale timeouts are kept above
				// the publish timeout, so a real sweep would not see it yet.
				if r.IdempotencyKey == "k1" {
					continue
				}
				_, err := sweeper.RecoverStale(ctx, r)
				require.NoError(t, err)
				sweptKeys = append(sweptKeys, r.IdempotencyKey)
			}
		}
		return "msg-" + key, nil
	})

	relay := NewOutboxUseCase(config, inlineTxManager{}, repo, ledger, publisher, testutil.DiscardLogger())
	relay.now = clock.Now

	result, err := relay.ProcessBatch(ctx)

	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, sweptKeys)
	assert.Equal(t, []string{"k1"}, published)
	assert.Equal(t, domain.BatchResult{Attempted: 1, Completed: 1, Reclaimed: 1}, result)

	stored, err := repo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)

	// The next relay run owns k2 and publishes it exactly once.
	result, err = relay.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Attempted: 1, Completed: 1}, result)
	assert.Equal(t, []string{"k1", "k2"}, published)
}

func TestOutboxUseCase_RecoverStale_LosesToRenewedRelay(t *testing.T) {
	ctx := context.Background()
	clock := &relayClock{now: fixedNow}
	record := newRecord("k1", domain.StatusPending, 0, fixedNow.Add(-time.Hour))
	record.AvailableAt = record.CreatedAt
	repo := newMemoryRecordRepository(record)
	ledger := &memoryLedger{delivered: make(map[string]string)}
	config := Config{BatchSize: 10, MaxRetries: 3, RetryInterval: time.Minute, BaseBackoff: time.Second, LedgerTTL: time.Hour}

	relay := NewOutboxUseCase(config, inlineTxManager{}, repo, ledger, nil, testutil.DiscardLogger())
	relay.now = clock.Now
	sweeper := NewOutboxUseCase(config, inlineTxManager{}, repo, ledger, nil, testutil.DiscardLogger())
	sweeper.now = clock.Now

	claimed, err := relay.PollPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clock.Advance(2 * time.Minute)
	stale, err := sweeper.ListStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// The relay renews between the sweep's read and its write.
	require.NoError(t, repo.Renew(ctx, claimed[0], clock.Now()))

	_, err = sweeper.RecoverStale(ctx, stale[0])
	assert.True(t, apperrors.Is(err, domain.ErrStateConflict))

	stored, err := repo.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
}
