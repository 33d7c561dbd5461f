package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiki-ai/hibiki/internal/dispatch"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/trace"
	"github.com/hibiki-ai/hibiki/internal/transport"
)

// PGConsumer drains broker channels delivered over Postgres LISTEN/NOTIFY.
// One connection listens on every routed channel; notifications arrive
// serially, which preserves per-connection send order.
type PGConsumer struct {
	listener *transport.Listener
	handlers dispatch.Handlers
	tracer   *trace.Tracer
	logger   *slog.Logger
	ready    chan struct{}
}

// NewPG creates a consumer over the given listener.
func NewPG(listener *transport.Listener, handlers dispatch.Handlers, tracer *trace.Tracer, logger *slog.Logger) *PGConsumer {
	return &PGConsumer{
		listener: listener,
		handlers: handlers,
		tracer:   tracer,
		logger:   logger.With("component", "pg-consumer"),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once Run is listening on every routed channel.
// Notifications sent before then are never delivered; callers should not
// accept work until Ready fires.
func (c *PGConsumer) Ready() <-chan struct{} {
	return c.ready
}

// Run subscribes to all routed channels and blocks until ctx is cancelled.
func (c *PGConsumer) Run(ctx context.Context) error {
	channels := dispatch.Channels()
	for _, channel := range channels {
		if err := c.listener.Listen(ctx, channel); err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
	}
	close(c.ready)
	c.logger.Info("consuming", "channels", channels)

	for {
		channel, _, _, payload, err := c.listener.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // Shutting down.
			}
			c.logger.Warn("notification error, retrying", "error", err)
			continue
		}

		op, err := model.Decode(payload)
		if err != nil {
			c.logger.Warn("undecodable operation", "channel", channel, "error", err)
			continue
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
}
