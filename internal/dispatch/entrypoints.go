package dispatch

import (
	"context"

	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/trace"
)

// Per-kind entry points. Each takes its operation by value (the broker owns
// the envelope it enriches), validates the kind's required fields, and runs
// the same decide-then-fallback logic as Enqueue — independently per kind,
// since each kind's flow may carry its own enablement override.

// EnqueueMessage dispatches a chat message operation.
func (b *Broker) EnqueueMessage(ctx context.Context, op model.MessageOperation, parent *trace.SpanContext) (string, error) {
	return b.Enqueue(ctx, &op, parent)
}

// EnqueueMemory dispatches a memory mutation or query. Query operations
// always run synchronously; see Enqueue.
func (b *Broker) EnqueueMemory(ctx context.Context, op model.MemoryOperation, parent *trace.SpanContext) (string, error) {
	return b.Enqueue(ctx, &op, parent)
}

// EnqueueSession dispatches a session lifecycle operation.
func (b *Broker) EnqueueSession(ctx context.Context, op model.SessionOperation, parent *trace.SpanContext) (string, error) {
	return b.Enqueue(ctx, &op, parent)
}

// EnqueueActivity dispatches an activity update.
func (b *Broker) EnqueueActivity(ctx context.Context, op model.ActivityOperation, parent *trace.SpanContext) (string, error) {
	return b.Enqueue(ctx, &op, parent)
}

// EnqueueAction dispatches an action record.
func (b *Broker) EnqueueAction(ctx context.Context, op model.ActionOperation, parent *trace.SpanContext) (string, error) {
	return b.Enqueue(ctx, &op, parent)
}

// EnqueueSummarization dispatches a summarization request.
func (b *Broker) EnqueueSummarization(ctx context.Context, op model.SummarizationOperation, parent *trace.SpanContext) (string, error) {
	return b.Enqueue(ctx, &op, parent)
}

// EnqueueContextAnalysis dispatches a context-analysis request. These carry
// query semantics and always run synchronously.
func (b *Broker) EnqueueContextAnalysis(ctx context.Context, op model.ContextAnalysisOperation, parent *trace.SpanContext) (string, error) {
	return b.Enqueue(ctx, &op, parent)
}
