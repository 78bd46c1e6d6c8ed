package queue

import (
	"context"
	"strings"
)

// Router sends http(s) destinations to the webhook publisher and everything
// else to the queue publisher.
type Router struct {
	queue   Publisher
	webhook Publisher
}

// NewRouter creates a Router.
func NewRouter(queue, webhook Publisher) *Router {
	return &Router{queue: queue, webhook: webhook}
}

// Publish implements Publisher.
func (r *Router) Publish(ctx context.Context, queueRef string, payload []byte, headers map[string]string) (string, error) {
	if IsWebhook(queueRef) {
		return r.webhook.Publish(ctx, queueRef, payload, headers)
	}
	return r.queue.Publish(ctx, queueRef, payload, headers)
}

// IsWebhook reports whether destination is an http or https URL.
func IsWebhook(destination string) bool {
	d := strings.ToLower(destination)
	return strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://")
}
