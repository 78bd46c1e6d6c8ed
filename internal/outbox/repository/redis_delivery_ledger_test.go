package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/testutil"
)

func TestRedisDeliveryLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_RecordThenDelivered", func(t *testing.T) {
		client, mr := testutil.NewRedis(t)
		ledger := NewRedisDeliveryLedger(client, "outbox")

		delivered, _, err := ledger.Delivered(ctx, "task:1:dispatch:0")
		require.NoError(t, err)
		assert.False(t, delivered)

		require.NoError(t, ledger.Record(ctx, "task:1:dispatch:0", "msg-1", time.Hour))
		assert.True(t, mr.Exists("outbox:delivered:task:1:dispatch:0"))

		delivered, messageID, err := ledger.Delivered(ctx, "task:1:dispatch:0")
		require.NoError(t, err)
		assert.True(t, delivered)
		assert.Equal(t, "msg-1", messageID)
	})

	t.Run("Success_FirstRecordWins", func(t *testing.T) {
		client, _ := testutil.NewRedis(t)
		ledger := NewRedisDeliveryLedger(client, "")

		require.NoError(t, ledger.Record(ctx, "k", "first", time.Hour))
		require.NoError(t, ledger.Record(ctx, "k", "second", time.Hour))

		_, messageID, err := ledger.Delivered(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "first", messageID)
	})

	t.Run("Success_ExpiresAfterTTL", func(t *testing.T) {
		client, mr := testutil.NewRedis(t)
		ledger := NewRedisDeliveryLedger(client, "outbox")

		require.NoError(t, ledger.Record(ctx, "k", "m", time.Minute))
		mr.FastForward(2 * time.Minute)

		delivered, _, err := ledger.Delivered(ctx, "k")
		require.NoError(t, err)
		assert.False(t, delivered)
	})

	t.Run("Error_BackendDown", func(t *testing.T) {
		client, mr := testutil.NewRedis(t)
		ledger := NewRedisDeliveryLedger(client, "outbox")
		mr.Close()

		_, _, err := ledger.Delivered(ctx, "k")
		assert.True(t, apperrors.IsTransient(err))

		err = ledger.Record(ctx, "k", "m", time.Minute)
		assert.True(t, apperrors.IsTransient(err))
	})
}
