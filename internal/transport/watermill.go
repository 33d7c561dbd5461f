package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// metadataPartitionKey is the Watermill metadata entry the partition key is
// carried under. GoChannel does not partition, but downstream brokers (Kafka,
// NATS) read it from the same place when the publisher is swapped.
const metadataPartitionKey = "partition-key"

// Watermill is an in-process Transport backed by Watermill's GoChannel
// pub/sub. Publisher and subscriber share one GoChannel so the consumer in
// the same process receives everything the broker sends.
type Watermill struct {
	pubsub *gochannel.GoChannel
	closed atomic.Bool
}

// NewWatermill creates the in-process transport.
func NewWatermill() *Watermill {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			// Senders must not block on slow consumers; the broker's
			// fallback contract depends on Send returning promptly.
			BlockPublishUntilSubscriberAck: false,
			OutputChannelBuffer:            256,
		},
		watermill.NewStdLogger(false, false),
	)
	return &Watermill{pubsub: pubsub}
}

// Send publishes payload to channel with the trace headers as message
// metadata.
func (w *Watermill) Send(_ context.Context, channel, key string, payload []byte, headers map[string]string) error {
	if w.closed.Load() {
		return fmt.Errorf("%w: watermill pubsub closed", ErrUnavailable)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataPartitionKey, key)
	for k, v := range headers {
		msg.Metadata.Set(k, v)
	}

	if err := w.pubsub.Publish(channel, msg); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of messages published to the given channel.
// Used by the consumer side; not part of the Transport contract the broker
// sees.
func (w *Watermill) Subscribe(ctx context.Context, channel string) (<-chan *message.Message, error) {
	if w.closed.Load() {
		return nil, fmt.Errorf("%w: watermill pubsub closed", ErrUnavailable)
	}
	msgs, err := w.pubsub.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe to %s: %w", channel, err)
	}
	return msgs, nil
}

// Available reports whether the pub/sub is still open.
func (w *Watermill) Available() bool {
	return !w.closed.Load()
}

// Close shuts the pub/sub down; in-flight subscriptions are closed.
func (w *Watermill) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	return w.pubsub.Close()
}
