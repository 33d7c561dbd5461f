// Package ratelimit provides per-client request limiting for the HTTP ingest
// surface.
//
// The default implementation is an in-memory token bucket (MemoryLimiter)
// keyed per client. Deployments that need cross-instance coordination can
// substitute a shared-store implementation — the Limiter interface is the
// contract.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a limit check. When the request is denied,
// RetryAfter advises how long until the key earns its next token; the ingest
// middleware surfaces it as the Retry-After header.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow charges one request against key. The key is opaque; callers
	// construct it (the ingest server uses the client IP). Returning an
	// error signals a limiter malfunction; callers should treat errors as
	// fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases resources (sweep goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
