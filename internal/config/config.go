// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. It is resolved once at startup
// and never re-read: changing dispatch switches requires a restart.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Dispatch settings.
	DispatchEnabled   bool            // global kill switch for asynchronous dispatch
	FlowOverrides     map[string]bool // per-flow overrides, keyed by flow name
	MaxOperationBytes int             // serialized-operation size ceiling

	// Transport settings.
	Transport         string // "memory" (in-process Watermill) or "postgres"
	PostgresURL       string // pool DSN for the postgres transport
	PostgresListenURL string // direct DSN for LISTEN (no pooling proxy)

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	RateLimitRPS        float64       // sustained ingest requests per second per client; 0 disables
	RateLimitBurst      int           // ingest burst capacity per client
	RateLimitIdleAfter  time.Duration // idle horizon after which a client's bucket is evicted
}

// flowOverridePrefix is the env prefix for per-flow dispatch overrides, e.g.
// HIBIKI_FLOW_CHAT_MESSAGES=false disables async dispatch for the
// chat_messages flow only.
const flowOverridePrefix = "HIBIKI_FLOW_"

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("HIBIKI_PORT", 8080),
		ReadTimeout:         envDuration("HIBIKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("HIBIKI_WRITE_TIMEOUT", 30*time.Second),
		DispatchEnabled:     envBool("HIBIKI_DISPATCH_ENABLED", true),
		FlowOverrides:       loadFlowOverrides(os.Environ()),
		MaxOperationBytes:   envInt("HIBIKI_MAX_OPERATION_BYTES", 1*1024*1024), // 1 MiB
		Transport:           envStr("HIBIKI_TRANSPORT", "memory"),
		PostgresURL:         envStr("DATABASE_URL", ""),
		PostgresListenURL:   envStr("LISTEN_URL", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "hibiki"),
		LogLevel:            envStr("HIBIKI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("HIBIKI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		RateLimitRPS:        envFloat("HIBIKI_RATE_LIMIT_RPS", 0),
		RateLimitBurst:      envInt("HIBIKI_RATE_LIMIT_BURST", 20),
		RateLimitIdleAfter:  envDuration("HIBIKI_RATE_LIMIT_IDLE_AFTER", 10*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.MaxOperationBytes <= 0 {
		return fmt.Errorf("config: HIBIKI_MAX_OPERATION_BYTES must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: HIBIKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: HIBIKI_RATE_LIMIT_RPS must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: HIBIKI_RATE_LIMIT_BURST must be positive when rate limiting is on")
	}
	switch c.Transport {
	case "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres transport")
		}
	default:
		return fmt.Errorf("config: unknown transport %q (want memory or postgres)", c.Transport)
	}
	return nil
}

// loadFlowOverrides collects HIBIKI_FLOW_* variables into a flow→bool map.
// The flow key is the lowercased suffix, so HIBIKI_FLOW_MEMORY_OPERATIONS
// governs the memory_operations flow. Unset flows carry no override.
func loadFlowOverrides(environ []string) map[string]bool {
	overrides := make(map[string]bool)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, flowOverridePrefix) {
			continue
		}
		flow := strings.ToLower(strings.TrimPrefix(key, flowOverridePrefix))
		if flow == "" {
			continue
		}
		if b, err := strconv.ParseBool(value); err == nil {
			overrides[flow] = b
		}
	}
	return overrides
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
