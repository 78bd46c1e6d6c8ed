package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(
	ctx context.Context,
	queueRef string,
	payload []byte,
	headers map[string]string,
) (string, error) {
	args := m.Called(ctx, queueRef, payload, headers)
	return args.String(0), args.Error(1)
}

func TestRouter_Publish(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		destination string
		webhook     bool
	}{
		{"downloads", false},
		{"rabbit-exchange", false},
		{"http://hooks.internal/events", true},
		{"HTTPS://hooks.example.com/events", true},
	}

	for _, tt := range tests {
		t.Run(tt.destination, func(t *testing.T) {
			queuePub := &mockPublisher{}
			webhookPub := &mockPublisher{}
			router := NewRouter(queuePub, webhookPub)

			target := queuePub
			if tt.webhook {
				target = webhookPub
			}
			target.On("Publish", ctx, tt.destination, []byte(`{}`), map[string]string(nil)).Return("m1", nil)

			id, err := router.Publish(ctx, tt.destination, []byte(`{}`), nil)
			require.NoError(t, err)
			assert.Equal(t, "m1", id)
			queuePub.AssertExpectations(t)
			webhookPub.AssertExpectations(t)
			assert.Equal(t, tt.webhook, IsWebhook(tt.destination))
		})
	}
}
