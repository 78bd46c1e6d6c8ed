package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/mempubsub"

	"github.com/allisson/effectd/internal/testutil"
)

func TestConsumer_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_AcksAndRedeliversOnError", func(t *testing.T) {
		topic := mempubsub.NewTopic()
		defer func() { _ = topic.Shutdown(ctx) }()
		sub := mempubsub.NewSubscription(topic, time.Minute)
		consumer := NewConsumer("downloads", sub, 2, testutil.DiscardLogger())
		defer func() { _ = consumer.Shutdown(ctx) }()

		require.NoError(t, topic.Send(ctx, &pubsub.Message{
			Body:     []byte("task-1"),
			Metadata: map[string]string{MetadataMessageID: "m1"},
		}))

		runCtx, cancel := context.WithCancel(ctx)
		var mu sync.Mutex
		var attempts []string
		done := make(chan error, 1)

		go func() {
			done <- consumer.Run(runCtx, func(ctx context.Context, msg Message) error {
				mu.Lock()
				defer mu.Unlock()
				attempts = append(attempts, msg.ID)
				if len(attempts) == 1 {
					return errors.New("transient")
				}
				cancel()
				return nil
			})
		}()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatal("consumer did not stop")
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"m1", "m1"}, attempts)
	})

	t.Run("Success_PanicNacks", func(t *testing.T) {
		topic := mempubsub.NewTopic()
		defer func() { _ = topic.Shutdown(ctx) }()
		sub := mempubsub.NewSubscription(topic, time.Minute)
		consumer := NewConsumer("transforms", sub, 1, testutil.DiscardLogger())
		defer func() { _ = consumer.Shutdown(ctx) }()

		require.NoError(t, topic.Send(ctx, &pubsub.Message{Body: []byte("x")}))

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		var calls int
		done := make(chan error, 1)

		go func() {
			done <- consumer.Run(runCtx, func(ctx context.Context, msg Message) error {
				calls++
				if calls == 1 {
					panic("boom")
				}
				cancel()
				return nil
			})
		}()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
		assert.Equal(t, 2, calls)
	})
}
