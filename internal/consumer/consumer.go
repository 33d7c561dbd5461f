// Package consumer drains the broker channels and executes each delivered
// operation with the same local handlers the dispatch fallback uses, so an
// operation behaves identically whichever path carried it.
package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	"github.com/hibiki-ai/hibiki/internal/dispatch"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/trace"
)

// Subscriber is the consuming side of the in-process transport.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *message.Message, error)
}

// Consumer runs one goroutine per routed channel.
type Consumer struct {
	sub      Subscriber
	handlers dispatch.Handlers
	tracer   *trace.Tracer
	logger   *slog.Logger
	channels []string
	ready    chan struct{}
}

// New creates a consumer over every routed channel.
func New(sub Subscriber, handlers dispatch.Handlers, tracer *trace.Tracer, logger *slog.Logger) *Consumer {
	return &Consumer{
		sub:      sub,
		handlers: handlers,
		tracer:   tracer,
		logger:   logger.With("component", "consumer"),
		channels: dispatch.Channels(),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed to every channel. The in-process
// broker has no persistence, so anything published before that point would
// vanish; callers should not accept work until Ready fires.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// Run subscribes to all channels and blocks until ctx is cancelled. Returns
// the first subscription error; handler errors are logged, not returned,
// since one poison operation must not stop the other channels.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, channel := range c.channels {
		msgs, err := c.sub.Subscribe(ctx, channel)
		if err != nil {
			return fmt.Errorf("consumer: subscribe %s: %w", channel, err)
		}
		g.Go(func() error {
			c.consume(ctx, channel, msgs)
			return nil
		})
	}
	close(c.ready)
	c.logger.Info("consuming", "channels", c.channels)
	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context, channel string, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.process(ctx, channel, msg)
			// Ack unconditionally: the pipeline is at-most-once on the
			// consumer side, and redelivering a failed or undecodable
			// operation would just fail again. Retry policy, where wanted,
			// lives inside the handlers.
			msg.Ack()
		}
	}
}

func (c *Consumer) process(ctx context.Context, channel string, msg *message.Message) {
	op, err := model.Decode(msg.Payload)
	if err != nil {
		c.logger.Warn("undecodable operation",
			"channel", channel,
			"message_uuid", msg.UUID,
			"error", err)
		return
	}

	var parent *trace.SpanContext
	if sc, ok := c.tracer.Extract(op.Common().TraceContext); ok {
		parent = &sc
	}

	err = c.tracer.TraceAsync(ctx, parent, "handle_"+string(op.Kind()), nil,
		func(ctx context.Context, _ trace.SpanContext) error {
			_, err := c.handlers.Invoke(ctx, op)
			return err
		})
	if err != nil {
		c.logger.Error("handler failed",
			"channel", channel,
			"operation_id", op.Common().ID,
			"operation_type", op.Kind(),
			"error", err)
	}
}
