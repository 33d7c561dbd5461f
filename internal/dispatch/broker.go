package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/trace"
	"github.com/hibiki-ai/hibiki/internal/transport"
)

// DefaultMaxPayloadBytes caps the serialized size of a single operation.
const DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

// Broker is the dispatch orchestrator. For each enqueued operation it
// resolves the destination channel, decides between broker delivery and the
// synchronous local handler, wraps the attempt in a span, and falls back to
// the local handler exactly once if the transport fails.
//
// A single operation moves through:
//
//	Created → Routed → Dispatching(broker) → Completed | Failed
//	                 → Dispatching(local)  → Completed | Failed
//
// with the one permitted crossover Dispatching(broker)-failure →
// Dispatching(local). The broker itself never retries either path; retry
// policy belongs to the transport and the handlers.
type Broker struct {
	transport  transport.Transport
	tracer     *trace.Tracer
	flows      *FlowConfig
	handlers   Handlers
	logger     *slog.Logger
	maxPayload int
}

// BrokerConfig holds the broker's dependencies. Transport may be nil, which
// forces every operation onto the synchronous path.
type BrokerConfig struct {
	Transport transport.Transport
	Tracer    *trace.Tracer
	Flows     *FlowConfig
	Handlers  Handlers
	Logger    *slog.Logger

	// MaxPayloadBytes overrides DefaultMaxPayloadBytes when positive.
	MaxPayloadBytes int
}

// NewBroker creates a broker.
func NewBroker(cfg BrokerConfig) *Broker {
	maxPayload := cfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	return &Broker{
		transport:  cfg.Transport,
		tracer:     cfg.Tracer,
		flows:      cfg.Flows,
		handlers:   cfg.Handlers,
		logger:     cfg.Logger.With("component", "broker"),
		maxPayload: maxPayload,
	}
}

// Enqueue dispatches one operation and returns its identifier: the local
// handler's result id when the synchronous path ran and produced one, else
// the operation id.
//
// Errors surface only when no path succeeded: routing and validation errors
// immediately, handler errors from the synchronous path. A transport failure
// alone is never visible to the caller; it is logged, recorded on the span,
// and recovered by the fallback.
func (b *Broker) Enqueue(ctx context.Context, op model.Operation, parent *trace.SpanContext) (string, error) {
	env := op.Common()
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	channel, err := ChannelFor(op.Kind())
	if err != nil {
		return "", err
	}
	if err := op.Validate(); err != nil {
		return "", err
	}

	syncOnly := querySemantics(op)
	useBroker := !syncOnly &&
		b.transport != nil && b.transport.Available() &&
		b.flows.ChannelEnabled(channel)

	_, sc := b.tracer.StartSpan(parent, "dispatch_"+string(op.Kind()), nil)
	b.tracer.SetTag(sc.SpanID, "channel", channel)
	b.tracer.SetTag(sc.SpanID, "operation_id", env.ID)
	b.tracer.SetTag(sc.SpanID, "dispatch.use_broker", boolTag(useBroker))
	if syncOnly {
		b.tracer.SetTag(sc.SpanID, "dispatch.sync_only", "true")
	}

	env.TraceContext = trace.EncodeContext(sc)

	payload, err := model.Encode(op)
	if err != nil {
		b.tracer.EndSpan(sc.SpanID, err)
		return "", err
	}
	if len(payload) > b.maxPayload {
		err := oversizedError(op.Kind(), len(payload), b.maxPayload)
		b.tracer.EndSpan(sc.SpanID, err)
		return "", err
	}

	if useBroker {
		headers := map[string]string{
			transport.HeaderTraceID:       sc.TraceID,
			transport.HeaderSpanID:        sc.SpanID,
			transport.HeaderOperationType: string(op.Kind()),
		}
		sendErr := b.transport.Send(ctx, channel, routingKey(op), payload, headers)
		if sendErr == nil {
			b.tracer.EndSpan(sc.SpanID, nil)
			return env.ID, nil
		}

		// Recoverable: the synchronous handler can still serve this
		// operation. The caller only sees an error if that fails too.
		b.tracer.SetTag(sc.SpanID, "dispatch.transport_error", "true")
		b.tracer.EndSpan(sc.SpanID, sendErr)
		b.logger.Error("broker send failed, falling back to local handler",
			"operation_id", env.ID,
			"operation_type", op.Kind(),
			"channel", channel,
			"trace_id", sc.TraceID,
			"span_id", sc.SpanID,
			"error", sendErr)
	}

	resultID, err := b.handlers.Invoke(ctx, op)
	// After a transport failure the span is already closed as an error;
	// this second end is then a logged no-op, which is the intended record.
	b.tracer.EndSpan(sc.SpanID, err)
	if err != nil {
		return "", err
	}
	if resultID != "" {
		return resultID, nil
	}
	return env.ID, nil
}

// querySemantics reports whether an operation's caller expects an immediate
// result. The broker path cannot deliver one (the consumer is a decoupled
// process), so these always run synchronously.
func querySemantics(op model.Operation) bool {
	switch o := op.(type) {
	case *model.MemoryOperation:
		return o.Op == model.MemoryQuery
	case *model.ContextAnalysisOperation:
		return true
	default:
		return false
	}
}

// routingKey derives the partition key: userID, else sessionID, else the
// operation id, else a random key. Operations sharing a key are ordered
// within it by brokers that partition, so one user's operations stay in send
// order downstream.
func routingKey(op model.Operation) string {
	var userID, sessionID string
	switch o := op.(type) {
	case *model.MessageOperation:
		userID, sessionID = o.UserID, o.SessionID
	case *model.MemoryOperation:
		userID = o.UserID
	case *model.SessionOperation:
		userID, sessionID = o.UserID, o.SessionID
	case *model.ActivityOperation:
		userID, sessionID = o.UserID, o.SessionID
	case *model.ActionOperation:
		userID, sessionID = o.UserID, o.SessionID
	case *model.SummarizationOperation:
		userID, sessionID = o.UserID, o.SessionID
	case *model.ContextAnalysisOperation:
		userID, sessionID = o.UserID, o.SessionID
	}
	switch {
	case userID != "":
		return userID
	case sessionID != "":
		return sessionID
	case op.Common().ID != "":
		return op.Common().ID
	default:
		return uuid.NewString()
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
