package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleAfter is how long a key can go unseen before its bucket is
// evicted. Bounds memory against one-off clients.
const DefaultIdleAfter = 10 * time.Minute

// MemoryConfig configures a MemoryLimiter.
type MemoryConfig struct {
	// RPS is the sustained request rate each key earns.
	RPS float64
	// Burst is the bucket capacity: how many requests a key may spend at
	// once before it is throttled down to RPS.
	Burst int
	// IdleAfter overrides DefaultIdleAfter when positive.
	IdleAfter time.Duration
}

// bucket tracks one key's remaining budget. Tokens are fractional: refill is
// computed lazily from the time elapsed since the last charge.
type bucket struct {
	tokens  float64
	touched time.Time
}

// MemoryLimiter implements Limiter with a token bucket per key. A background
// goroutine sweeps idle buckets; Close stops it.
type MemoryLimiter struct {
	rate      float64
	burst     float64
	idleAfter time.Duration

	// now is the clock; tests substitute it.
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter from cfg.
func NewMemoryLimiter(cfg MemoryConfig) *MemoryLimiter {
	idleAfter := cfg.IdleAfter
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	m := &MemoryLimiter{
		rate:      cfg.RPS,
		burst:     float64(cfg.Burst),
		idleAfter: idleAfter,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		done:      make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow charges one token against key. A denial reports how long until the
// bucket refills enough for one request.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		// New key: full bucket minus the token this request spends.
		m.buckets[key] = &bucket{tokens: m.burst - 1, touched: now}
		return Decision{Allowed: true}, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.touched).Seconds()*m.rate)
	b.touched = now

	if b.tokens < 1 {
		return Decision{RetryAfter: m.timeToToken(b.tokens)}, nil
	}
	b.tokens--
	return Decision{Allowed: true}, nil
}

// timeToToken converts a token deficit into a wait duration at the refill
// rate.
func (m *MemoryLimiter) timeToToken(tokens float64) time.Duration {
	if m.rate <= 0 {
		return m.idleAfter // never refills; advise the eviction horizon
	}
	return time.Duration((1 - tokens) / m.rate * float64(time.Second))
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// sweep periodically evicts buckets idle past the configured horizon. The
// interval tracks the horizon so short horizons still evict promptly.
func (m *MemoryLimiter) sweep() {
	interval := m.idleAfter / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.idleAfter)
	for key, b := range m.buckets {
		if b.touched.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
