package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hibiki-ai/hibiki/internal/config"
	"github.com/hibiki-ai/hibiki/internal/consumer"
	"github.com/hibiki-ai/hibiki/internal/dispatch"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/ratelimit"
	"github.com/hibiki-ai/hibiki/internal/server"
	"github.com/hibiki-ai/hibiki/internal/telemetry"
	"github.com/hibiki-ai/hibiki/internal/trace"
	"github.com/hibiki-ai/hibiki/internal/transport"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HIBIKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hibiki starting",
		"version", version,
		"port", cfg.Port,
		"transport", cfg.Transport,
		"dispatch_enabled", cfg.DispatchEnabled)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	tracer := trace.NewTracer(logger)
	flows := dispatch.NewFlowConfig(cfg.DispatchEnabled, cfg.FlowOverrides)

	// Handlers run the operations that come back off the broker channels and
	// the synchronous fallbacks. The companion services bind their own here;
	// the standalone binary ships with logging stand-ins.
	handlers := newLoggingHandlers(logger)

	// Wire the transport and its matching consumer.
	var (
		tp        transport.Transport
		runCons   func(context.Context) error
		consReady <-chan struct{}
	)
	switch cfg.Transport {
	case "postgres":
		pg, err := transport.NewPostgres(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		defer func() { _ = pg.Close() }()

		listenURL := cfg.PostgresListenURL
		if listenURL == "" {
			listenURL = cfg.PostgresURL
		}
		listener, err := transport.NewListener(ctx, listenURL, logger)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		defer func() { _ = listener.Close(context.Background()) }()

		tp = pg
		cons := consumer.NewPG(listener, handlers, tracer, logger)
		runCons = cons.Run
		consReady = cons.Ready()
	default:
		wm := transport.NewWatermill()
		defer func() { _ = wm.Close() }()

		tp = wm
		cons := consumer.New(wm, handlers, tracer, logger)
		runCons = cons.Run
		consReady = cons.Ready()
	}

	broker := dispatch.NewBroker(dispatch.BrokerConfig{
		Transport:       tp,
		Tracer:          tracer,
		Flows:           flows,
		Handlers:        handlers,
		Logger:          logger,
		MaxPayloadBytes: cfg.MaxOperationBytes,
	})

	// Start the consumer and wait for its subscriptions before the HTTP
	// surface comes up. Neither transport persists: an operation published
	// into a channel with no subscriber is simply gone.
	consErrCh := make(chan error, 1)
	go func() {
		if err := runCons(ctx); err != nil {
			consErrCh <- err
		}
	}()
	select {
	case <-consReady:
	case err := <-consErrCh:
		return fmt.Errorf("consumer: %w", err)
	case <-ctx.Done():
		return nil
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		ml := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{
			RPS:       cfg.RateLimitRPS,
			Burst:     cfg.RateLimitBurst,
			IdleAfter: cfg.RateLimitIdleAfter,
		})
		defer func() { _ = ml.Close() }()
		limiter = ml
	}

	srv := server.New(server.ServerConfig{
		Broker:              broker,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	case err := <-consErrCh:
		return fmt.Errorf("consumer: %w", err)
	}

	slog.Info("hibiki shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if n := tracer.ActiveSpans(); n > 0 {
		slog.Warn("spans still active at shutdown", "count", n)
	}

	slog.Info("hibiki stopped")
	return nil
}

// loggingHandlers is the stand-in handler set for running hibiki without the
// companion services linked in: every operation is acknowledged, logged, and
// given a fresh identifier where one is expected.
type loggingHandlers struct {
	logger *slog.Logger
}

func newLoggingHandlers(logger *slog.Logger) dispatch.Handlers {
	lh := &loggingHandlers{logger: logger.With("component", "handlers")}
	return dispatch.Handlers{
		Chat:      lh,
		Memory:    lh,
		Session:   lh,
		Activity:  lh,
		Action:    lh,
		Summarize: lh,
		Context:   lh,
	}
}

func (l *loggingHandlers) HandleMessage(_ context.Context, op *model.MessageOperation) (string, error) {
	l.logger.Info("chat message", "user_id", op.UserID, "session_id", op.SessionID, "chars", len(op.Text))
	if op.MessageID != "" {
		return op.MessageID, nil
	}
	return uuid.NewString(), nil
}

func (l *loggingHandlers) HandleMemory(_ context.Context, op *model.MemoryOperation) (string, error) {
	l.logger.Info("memory operation", "op", op.Op, "user_id", op.UserID, "memory_id", op.MemoryID)
	if op.MemoryID != "" {
		return op.MemoryID, nil
	}
	return uuid.NewString(), nil
}

func (l *loggingHandlers) HandleSession(_ context.Context, op *model.SessionOperation) (string, error) {
	l.logger.Info("session operation", "op", op.Op, "user_id", op.UserID, "session_id", op.SessionID)
	if op.SessionID != "" {
		return op.SessionID, nil
	}
	return uuid.NewString(), nil
}

func (l *loggingHandlers) HandleActivity(_ context.Context, op *model.ActivityOperation) (string, error) {
	l.logger.Info("activity update", "user_id", op.UserID, "session_id", op.SessionID, "activity_type", op.ActivityType)
	return op.ActivityID, nil
}

func (l *loggingHandlers) HandleAction(_ context.Context, op *model.ActionOperation) (string, error) {
	l.logger.Info("action", "user_id", op.UserID, "action_id", op.ActionID, "action_type", op.ActionType)
	return op.ActionID, nil
}

func (l *loggingHandlers) HandleSummarization(_ context.Context, op *model.SummarizationOperation) (string, error) {
	l.logger.Info("summarization request", "user_id", op.UserID, "session_id", op.SessionID, "messages", len(op.Messages))
	return "", nil
}

func (l *loggingHandlers) HandleContextAnalysis(_ context.Context, op *model.ContextAnalysisOperation) (string, error) {
	l.logger.Info("context analysis", "user_id", op.UserID, "session_id", op.SessionID, "depth", op.Depth)
	return "", nil
}
