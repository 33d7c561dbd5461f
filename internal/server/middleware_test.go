package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/dispatch"
	"github.com/hibiki-ai/hibiki/internal/ratelimit"
	"github.com/hibiki-ai/hibiki/internal/trace"
)

func newRateLimitedServer(t *testing.T, limiter ratelimit.Limiter) http.Handler {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	captured := &captureHandlers{}

	broker := dispatch.NewBroker(dispatch.BrokerConfig{
		Tracer: trace.NewTracer(logger),
		Flows:  dispatch.NewFlowConfig(true, nil),
		Handlers: dispatch.Handlers{
			Chat:      captured,
			Memory:    captured,
			Session:   captured,
			Activity:  captured,
			Action:    captured,
			Summarize: captured,
			Context:   captured,
		},
		Logger: logger,
	})

	srv := New(ServerConfig{
		Broker:              broker,
		Logger:              logger,
		Limiter:             limiter,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	return srv.Handler()
}

func TestRateLimitExhaustion(t *testing.T) {
	// Burst of 2 at one token every 20s: the third request must be rejected
	// with refill-derived advice. httptest requests share a RemoteAddr, so
	// they share a key.
	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{RPS: 0.05, Burst: 2})
	defer limiter.Close()
	handler := newRateLimitedServer(t, limiter)

	body := `{"user_id":"u1","session_id":"s1","text":"hi"}`
	for i := 0; i < 2; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/v1/chat/messages", body)
		require.Equal(t, http.StatusAccepted, rec.Code, "request %d within burst", i+1)
	}

	rec := doJSON(t, handler, http.MethodPost, "/v1/chat/messages", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 20, "advice bounded by one token's refill time")
}

func TestRateLimitExemptsHealth(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{RPS: 0.001, Burst: 1})
	defer limiter.Close()
	handler := newRateLimitedServer(t, limiter)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "health probe %d", i+1)
	}
}

func TestRateLimitDisabledWithNilLimiter(t *testing.T) {
	handler := newRateLimitedServer(t, nil)

	body := `{"user_id":"u1","session_id":"s1","text":"hi"}`
	for i := 0; i < 10; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/v1/chat/messages", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", strings.NewReader(""))
	req.RemoteAddr = "10.1.2.3:55001"
	assert.Equal(t, "10.1.2.3", clientKey(req))

	req.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", clientKey(req))
}
