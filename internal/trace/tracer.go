// Package trace implements the in-process span tracer for the dispatch
// pipeline. It tracks hierarchical spans in an active-span registry and
// serializes span contexts into an opaque carrier so a trace survives the
// hop through the message broker.
//
// The tracer is deliberately forgiving: every lookup of an unknown span ID
// degrades to a logged no-op. Tracing must never break business logic.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a span.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// SpanContext identifies a span within its causal chain. A child context
// shares its parent's TraceID and records the parent's SpanID.
type SpanContext struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	SessionID    string            `json:"session_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is a timed unit of work. Between start and end it is owned by the
// tracer's registry; mutate it only through AddEvent and SetTag. The Span
// values returned by StartSpan and EndSpan are snapshots.
type Span struct {
	Context   SpanContext       `json:"context"`
	Operation string            `json:"operation"`
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end,omitzero"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    Status            `json:"status"`
	Events    []Event           `json:"events,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Tracer creates spans and tracks the active ones. Safe for concurrent use.
type Tracer struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Span
}

// NewTracer creates a tracer. The logger must not be nil.
func NewTracer(logger *slog.Logger) *Tracer {
	return &Tracer{
		logger: logger.With("component", "tracer"),
		active: make(map[string]*Span),
	}
}

// NewRootContext mints a fresh trace/span identity with no parent.
func (t *Tracer) NewRootContext(sessionID, userID string, metadata map[string]string) SpanContext {
	return SpanContext{
		TraceID:   uuid.NewString(),
		SpanID:    uuid.NewString(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  metadata,
	}
}

// StartSpan begins a span and registers it as active. With a parent, the
// child keeps the parent's TraceID, records the parent's SpanID, and merges
// metadata with the child's entries winning. Without one, a root context is
// created. Returns a snapshot of the new span and its context.
func (t *Tracer) StartSpan(parent *SpanContext, operation string, metadata map[string]string) (Span, SpanContext) {
	var sc SpanContext
	if parent != nil {
		sc = SpanContext{
			TraceID:      parent.TraceID,
			SpanID:       uuid.NewString(),
			ParentSpanID: parent.SpanID,
			Timestamp:    time.Now().UTC(),
			SessionID:    parent.SessionID,
			UserID:       parent.UserID,
			Metadata:     mergeMetadata(parent.Metadata, metadata),
		}
	} else {
		sc = t.NewRootContext("", "", metadata)
	}

	span := &Span{
		Context:   sc,
		Operation: operation,
		Start:     time.Now().UTC(),
		Status:    StatusStarted,
		Tags:      make(map[string]string),
	}

	t.mu.Lock()
	t.active[sc.SpanID] = span
	t.mu.Unlock()

	t.logger.Debug("span started",
		"operation", operation,
		"trace_id", sc.TraceID,
		"span_id", sc.SpanID,
		"parent_span_id", sc.ParentSpanID)

	return *span, sc
}

// EndSpan terminates a span, computes its duration, and removes it from the
// registry. A nil spanErr ends it as completed, otherwise as error. Ending a
// span that is not active (already ended, or never started) is a warned
// no-op: the second return is false and the caller must not treat it as
// fatal.
func (t *Tracer) EndSpan(spanID string, spanErr error) (Span, bool) {
	t.mu.Lock()
	span, ok := t.active[spanID]
	if ok {
		delete(t.active, spanID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("end of unknown span", "span_id", spanID)
		return Span{}, false
	}

	span.End = time.Now().UTC()
	span.Duration = span.End.Sub(span.Start)
	if spanErr != nil {
		span.Status = StatusError
		if span.Tags == nil {
			span.Tags = make(map[string]string)
		}
		span.Tags["error"] = spanErr.Error()
		t.logger.Error("span ended with error",
			"operation", span.Operation,
			"trace_id", span.Context.TraceID,
			"span_id", spanID,
			"duration_ms", span.Duration.Milliseconds(),
			"error", spanErr)
	} else {
		span.Status = StatusCompleted
		t.logger.Debug("span ended",
			"operation", span.Operation,
			"trace_id", span.Context.TraceID,
			"span_id", spanID,
			"duration_ms", span.Duration.Milliseconds())
	}

	return *span, true
}

// AddEvent appends a timestamped event to an active span. Warned no-op if
// the span is not active.
func (t *Tracer) AddEvent(spanID, name string, attributes map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	span, ok := t.active[spanID]
	if !ok {
		t.logger.Warn("event on unknown span", "span_id", spanID, "event", name)
		return
	}
	span.Events = append(span.Events, Event{
		Name:       name,
		Time:       time.Now().UTC(),
		Attributes: attributes,
	})
}

// SetTag sets a key/value tag on an active span. Warned no-op if the span is
// not active.
func (t *Tracer) SetTag(spanID, key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	span, ok := t.active[spanID]
	if !ok {
		t.logger.Warn("tag on unknown span", "span_id", spanID, "key", key)
		return
	}
	span.Tags[key] = value
}

// ActiveSpans returns the number of spans currently in the registry.
func (t *Tracer) ActiveSpans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// TraceAsync runs work inside a span as a child of parent. The span is ended
// exactly once no matter how work terminates: normal return, error return,
// or panic (the panic is re-raised after the span is closed as an error).
func (t *Tracer) TraceAsync(ctx context.Context, parent *SpanContext, operation string, metadata map[string]string, work func(context.Context, SpanContext) error) (err error) {
	_, sc := t.StartSpan(parent, operation, metadata)
	defer func() {
		if r := recover(); r != nil {
			t.EndSpan(sc.SpanID, fmt.Errorf("trace: panic in %s: %v", operation, r))
			panic(r)
		}
		t.EndSpan(sc.SpanID, err)
	}()
	err = work(ctx, sc)
	return err
}

func mergeMetadata(parent, child map[string]string) map[string]string {
	if parent == nil && child == nil {
		return nil
	}
	merged := make(map[string]string, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}
