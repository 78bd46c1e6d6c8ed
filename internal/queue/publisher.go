// Package queue delivers outbox payloads to message queues and webhooks and
// consumes work queues.
//
// Queues are gocloud pubsub topics addressed through a URL template such as
// "mem://%s" or "rabbit://%s". rabbit:// reads the broker address from the
// RABBIT_SERVER_URL environment variable.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"   // mem:// topics and subscriptions
	_ "gocloud.dev/pubsub/rabbitpubsub" // rabbit:// topics and subscriptions

	apperrors "github.com/allisson/effectd/internal/errors"
)

// MetadataMessageID is the metadata key carrying the message id generated on publish.
const MetadataMessageID = "message_id"

// Publisher delivers a payload to a queue or webhook and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, queueRef string, payload []byte, headers map[string]string) (string, error)
}

// PubSubPublisher publishes to gocloud pubsub topics, opening each topic on first use.
type PubSubPublisher struct {
	urlTemplate string
	logger      *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubPublisher creates a PubSubPublisher. urlTemplate must contain one %s.
func NewPubSubPublisher(urlTemplate string, logger *slog.Logger) *PubSubPublisher {
	return &PubSubPublisher{
		urlTemplate: urlTemplate,
		logger:      logger,
		topics:      make(map[string]*pubsub.Topic),
	}
}

// Publish sends payload with headers as message metadata.
func (p *PubSubPublisher) Publish(
	ctx context.Context,
	queueRef string,
	payload []byte,
	headers map[string]string,
) (string, error) {
	topic, err := p.topic(ctx, queueRef)
	if err != nil {
		return "", err
	}

	messageID := uuid.NewString()
	metadata := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		metadata[k] = v
	}
	metadata[MetadataMessageID] = messageID

	if err := topic.Send(ctx, &pubsub.Message{Body: payload, Metadata: metadata}); err != nil {
		return "", apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to publish to %s: %v", queueRef, err))
	}
	return messageID, nil
}

// EnsureTopics opens the topics of names ahead of the first publish. Brokers
// such as mem:// refuse subscriptions to topics that were never opened.
func (p *PubSubPublisher) EnsureTopics(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, err := p.topic(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown flushes and closes every opened topic.
func (p *PubSubPublisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, topic := range p.topics {
		if err := topic.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown topic %s: %w", name, err))
		}
		delete(p.topics, name)
	}
	return errors.Join(errs...)
}

func (p *PubSubPublisher) topic(ctx context.Context, queueRef string) (*pubsub.Topic, error) {
	if strings.TrimSpace(queueRef) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "queue name cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if topic, ok := p.topics[queueRef]; ok {
		return topic, nil
	}

	url := fmt.Sprintf(p.urlTemplate, queueRef)
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to open topic %s: %v", url, err))
	}

	p.logger.DebugContext(ctx, "topic opened", slog.String("queue", queueRef), slog.String("url", url))
	p.topics[queueRef] = topic
	return topic, nil
}
