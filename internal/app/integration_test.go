package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/effectd/internal/queue"
	"github.com/allisson/effectd/internal/task/domain"
	"github.com/allisson/effectd/internal/testutil"
)

// recordingPublisher captures relayed messages in place of a broker.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []queue.Message
	queues   []string
}

func (p *recordingPublisher) Publish(
	ctx context.Context,
	queueRef string,
	payload []byte,
	headers map[string]string,
) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("%s-%d", queueRef, len(p.messages))
	p.messages = append(p.messages, queue.Message{ID: id, Body: payload, Headers: headers})
	p.queues = append(p.queues, queueRef)
	return id, nil
}

func newIntegrationContainer(t *testing.T, driver string, db *sql.DB) (*Container, *recordingPublisher) {
	t.Helper()
	_, mr := testutil.NewRedis(t)

	cfg := newTestConfig()
	cfg.DBDriver = driver
	cfg.RedisAddr = mr.Addr()
	cfg.OutboxBatchSize = 10
	cfg.OutboxMaxRetries = 3
	cfg.OutboxRetryInterval = time.Second
	cfg.OutboxLedgerTTL = time.Hour
	cfg.TaskMaxAttempts = 3
	cfg.TaskTimeout = time.Minute

	container := NewContainer(cfg)
	publisher := &recordingPublisher{}
	container.loggerInit.Do(func() { container.logger = testutil.DiscardLogger() })
	container.dbInit.Do(func() { container.db = db })
	container.outbox.publisherInit.Do(func() { container.outbox.publisher = publisher })

	t.Cleanup(func() { _ = container.Shutdown(context.Background()) })
	return container, publisher
}

func runDownloadLifecycle(t *testing.T, container *Container, publisher *recordingPublisher) {
	t.Helper()
	ctx := context.Background()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer source.Close()

	tasks, err := container.TaskUseCase()
	require.NoError(t, err)
	outbox, err := container.OutboxUseCase()
	require.NoError(t, err)
	taskWorker, err := container.TaskWorker()
	require.NoError(t, err)

	payload, err := json.Marshal(domain.DownloadPayload{SourceURL: source.URL, TargetKey: "files/hello.txt"})
	require.NoError(t, err)

	task, err := tasks.Enqueue(ctx, domain.EnqueueInput{Kind: domain.KindDownload, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, task.Status)

	// The dispatch record reaches the download queue exactly once.
	result, err := outbox.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	result, err = outbox.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)

	require.Len(t, publisher.messages, 1)
	assert.Equal(t, "downloads", publisher.queues[0])

	require.NoError(t, taskWorker.Handle(ctx, publisher.messages[0]))

	stored, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)

	// Redelivery of the same message is acked without running again.
	require.NoError(t, taskWorker.Handle(ctx, publisher.messages[0]))

	bucket, err := container.DownloadBucket()
	require.NoError(t, err)
	body, err := bucket.ReadAll(ctx, "files/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	counts, err := outbox.StatusCounts(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts["COMPLETED"])
}

func TestIntegration_DownloadLifecycle_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testutil.SetupPostgresDB(t)
	container, publisher := newIntegrationContainer(t, "postgres", db)
	runDownloadLifecycle(t, container, publisher)
}

func TestIntegration_DownloadLifecycle_MySQL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testutil.SetupMySQLDB(t)
	container, publisher := newIntegrationContainer(t, "mysql", db)
	runDownloadLifecycle(t, container, publisher)
}
