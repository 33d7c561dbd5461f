// Package server implements the HTTP ingest surface for the dispatch
// pipeline: thin routes that decode an operation and hand it to the broker.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiki-ai/hibiki/internal/dispatch"
	"github.com/hibiki-ai/hibiki/internal/ratelimit"
)

// Server is the hibiki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Broker *dispatch.Broker
	Logger *slog.Logger

	// Limiter rate-limits the ingest routes by client IP. Nil disables
	// limiting entirely.
	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Broker, cfg.Logger, cfg.Version, cfg.MaxRequestBodyBytes)

	mux := http.NewServeMux()

	// Generic ingest: any operation, routed by its type discriminant.
	mux.HandleFunc("POST /v1/operations", h.HandleEnqueue)

	// Kind-specific convenience routes mirroring the chat client's calls.
	mux.HandleFunc("POST /v1/chat/messages", h.HandleChatMessage)
	mux.HandleFunc("POST /v1/memory/operations", h.HandleMemoryOperation)

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first): request ID → tracing →
	// logging → rate limit → trace headers → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = traceHeaderMiddleware(handler)
	handler = rateLimitMiddleware(cfg.Logger, cfg.Limiter, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
