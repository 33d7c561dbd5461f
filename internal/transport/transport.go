// Package transport abstracts the message broker the dispatch pipeline hands
// operations to. Two implementations ship: an in-process Watermill pub/sub
// (the default) and a Postgres LISTEN/NOTIFY bridge.
package transport

import (
	"context"
	"errors"
)

// Correlation header keys attached to every outgoing message so downstream
// consumers can associate a message with its trace without decoding the
// payload.
const (
	HeaderTraceID       = "trace-id"
	HeaderSpanID        = "span-id"
	HeaderOperationType = "operation-type"
)

// ErrUnavailable is returned by Send when the transport is closed or its
// connection is down. The broker treats any Send error as recoverable and
// falls back to the local handler.
var ErrUnavailable = errors.New("transport: unavailable")

// Transport delivers serialized operations to a named channel. Messages
// sharing a key are ordered within that key if the underlying broker
// partitions by it; the transport itself makes no ordering promise.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send publishes payload to channel. The key is a partition/routing hint;
	// headers carry trace correlation metadata.
	Send(ctx context.Context, channel, key string, payload []byte, headers map[string]string) error

	// Available reports whether the transport is healthy enough to attempt a
	// send. A false return short-circuits the broker to the synchronous path.
	Available() bool

	// Close releases connections and background resources.
	Close() error
}
