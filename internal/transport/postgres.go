package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxNotifyPayload is the Postgres NOTIFY payload ceiling (8000 bytes minus
// header slack). Oversized sends fail as transport errors so the broker's
// synchronous fallback covers them.
const maxNotifyPayload = 7800

// pgEnvelope wraps an operation payload with its routing key and headers for
// the trip through pg_notify, which carries only a single string.
type pgEnvelope struct {
	Key     string            `json:"key"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

// Postgres is a Transport backed by LISTEN/NOTIFY. Sends go through a
// connection pool; the consumer side holds a dedicated connection, since a
// pooled connection could be handed to other queries mid-listen.
//
// NOTIFY delivery is at-most-once and per-connection ordered, which matches
// the pipeline's contract: anything stronger is the broker's concern.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	closed atomic.Bool
}

// NewPostgres connects the transport to the database behind dsn.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transport: create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transport: ping pg pool: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Send wraps the payload in an envelope and issues pg_notify on channel.
func (p *Postgres) Send(ctx context.Context, channel, key string, payload []byte, headers map[string]string) error {
	if p.closed.Load() {
		return fmt.Errorf("%w: pg transport closed", ErrUnavailable)
	}

	env, err := json.Marshal(pgEnvelope{Key: key, Headers: headers, Payload: payload})
	if err != nil {
		return fmt.Errorf("transport: marshal pg envelope: %w", err)
	}
	if len(env) > maxNotifyPayload {
		return fmt.Errorf("transport: payload of %d bytes exceeds NOTIFY limit of %d", len(env), maxNotifyPayload)
	}

	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(env)); err != nil {
		return fmt.Errorf("transport: notify %s: %w", channel, err)
	}
	return nil
}

// Available reports whether the transport is open.
func (p *Postgres) Available() bool {
	return !p.closed.Load()
}

// Close releases the pool.
func (p *Postgres) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.pool.Close()
	return nil
}

// Listener receives NOTIFY messages on a dedicated connection.
type Listener struct {
	conn   *pgx.Conn
	logger *slog.Logger
}

// NewListener opens a dedicated connection for LISTEN. The dsn must point
// directly at Postgres, not a transaction-pooling proxy.
func NewListener(ctx context.Context, dsn string, logger *slog.Logger) (*Listener, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transport: connect listener: %w", err)
	}
	return &Listener{conn: conn, logger: logger}, nil
}

// Listen subscribes the connection to a channel.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	if _, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("transport: listen %s: %w", channel, err)
	}
	return nil
}

// Wait blocks until a notification arrives on any listened channel and
// returns the channel name, routing key, headers, and payload.
func (l *Listener) Wait(ctx context.Context) (channel, key string, headers map[string]string, payload []byte, err error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", nil, nil, fmt.Errorf("transport: wait for notification: %w", err)
	}
	var env pgEnvelope
	if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
		return "", "", nil, nil, fmt.Errorf("transport: decode pg envelope on %s: %w", n.Channel, err)
	}
	return n.Channel, env.Key, env.Headers, env.Payload, nil
}

// Close closes the listen connection.
func (l *Listener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}
