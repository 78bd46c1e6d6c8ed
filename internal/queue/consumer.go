package queue

import (
	"context"
	"fmt"
	"log/slog"

	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/allisson/effectd/internal/errors"
	"github.com/allisson/effectd/internal/tracing"
)

// Message is a received queue message.
type Message struct {
	ID      string
	Body    []byte
	Headers map[string]string
}

// Handler processes one message. A nil error acks the message; an error nacks it
// so the broker redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Consumer receives messages from one subscription and runs a Handler on each,
// with at most concurrency handlers in flight.
type Consumer struct {
	name        string
	sub         *pubsub.Subscription
	concurrency int
	logger      *slog.Logger
}

// OpenConsumer opens the subscription for queueRef using urlTemplate.
func OpenConsumer(
	ctx context.Context,
	urlTemplate, queueRef string,
	concurrency int,
	logger *slog.Logger,
) (*Consumer, error) {
	url := fmt.Sprintf(urlTemplate, queueRef)
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to open subscription %s: %v", url, err))
	}
	return NewConsumer(queueRef, sub, concurrency, logger), nil
}

// NewConsumer wraps an opened subscription.
func NewConsumer(name string, sub *pubsub.Subscription, concurrency int, logger *slog.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{name: name, sub: sub, concurrency: concurrency, logger: logger}
}

// Run receives until ctx is done. It returns nil on cancellation and the
// receive error otherwise, after in-flight handlers finish.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.logger.InfoContext(ctx, "starting consumer", slog.String("queue", c.name), slog.Int("concurrency", c.concurrency))

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	var receiveErr error
	for {
		msg, err := c.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				receiveErr = apperrors.Wrap(apperrors.ErrUnavailable, fmt.Sprintf("failed to receive from %s: %v", c.name, err))
			}
			break
		}

		g.Go(func() error {
			c.handle(ctx, msg, handler)
			return nil
		})
	}

	_ = g.Wait()
	c.logger.InfoContext(ctx, "consumer stopped", slog.String("queue", c.name))
	return receiveErr
}

func (c *Consumer) handle(ctx context.Context, msg *pubsub.Message, handler Handler) {
	m := Message{ID: msg.Metadata[MetadataMessageID], Body: msg.Body, Headers: msg.Metadata}
	if m.ID == "" {
		m.ID = msg.LoggableID
	}

	ctx = tracing.Extract(ctx, m.Headers)
	ctx, span := tracing.Start(ctx, "queue.consume")

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		tracing.End(span, err)

		if err == nil {
			msg.Ack()
			return
		}

		c.logger.ErrorContext(ctx, "failed to handle message",
			slog.String("queue", c.name),
			slog.String("message_id", m.ID),
			slog.Any("error", err),
		)
		if msg.Nackable() {
			msg.Nack()
		}
	}()

	err = handler(ctx, m)
}

// Shutdown stops the subscription.
func (c *Consumer) Shutdown(ctx context.Context) error {
	return c.sub.Shutdown(ctx)
}
