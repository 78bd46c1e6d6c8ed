package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	apperrors "github.com/allisson/effectd/internal/errors"
)

// HeaderMessageID is the response header a webhook receiver may use to return
// its own message id.
const HeaderMessageID = "X-Message-Id"

const headerIdempotencyKey = "Idempotency-Key"

// WebhookConfig configures a WebhookPublisher.
type WebhookConfig struct {
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
}

// WebhookPublisher POSTs payloads to http(s) destinations. 5xx and 429 responses
// are retried within the call; other non-2xx responses fail immediately.
type WebhookPublisher struct {
	client *retryablehttp.Client
}

// NewWebhookPublisher creates a WebhookPublisher.
func NewWebhookPublisher(cfg WebhookConfig, logger *slog.Logger) *WebhookPublisher {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	if cfg.RetryWait > 0 {
		client.RetryWaitMin = cfg.RetryWait
		client.RetryWaitMax = 4 * cfg.RetryWait
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	client.Logger = logger
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &WebhookPublisher{client: client}
}

// Publish implements Publisher. queueRef is the target URL.
func (w *WebhookPublisher) Publish(
	ctx context.Context,
	queueRef string,
	payload []byte,
	headers map[string]string,
) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, queueRef, bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, fmt.Sprintf("invalid webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("webhook %s unreachable: %v", queueRef, err))
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sentinel := apperrors.ErrInvalidInput
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			sentinel = apperrors.ErrUnavailable
		}
		return "", apperrors.Wrap(sentinel, fmt.Sprintf("webhook %s returned status %d", queueRef, resp.StatusCode))
	}

	if id := resp.Header.Get(HeaderMessageID); id != "" {
		return id, nil
	}
	return headers[headerIdempotencyKey], nil
}
