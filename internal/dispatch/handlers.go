package dispatch

import (
	"context"
	"fmt"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// Local handler contracts, one per operation domain. The broker invokes them
// synchronously when asynchronous dispatch is disabled or the transport
// fails; the consumer invokes the same handlers for messages delivered over
// the broker. Each returns an identifier for its result (a message id, a
// memory id, a summary) or "" when there is nothing to identify; the broker
// then reports the operation id instead.
//
// Handler internals are the companion services' business; a handler may be
// asynchronous inside as long as it returns or errors synchronously here.

// ChatHandler processes an incoming chat message end to end.
type ChatHandler interface {
	HandleMessage(ctx context.Context, op *model.MessageOperation) (messageID string, err error)
}

// MemoryHandler applies a memory mutation or query.
type MemoryHandler interface {
	HandleMemory(ctx context.Context, op *model.MemoryOperation) (resultID string, err error)
}

// SessionHandler applies a session lifecycle change.
type SessionHandler interface {
	HandleSession(ctx context.Context, op *model.SessionOperation) (sessionID string, err error)
}

// ActivityHandler records companion activity state.
type ActivityHandler interface {
	HandleActivity(ctx context.Context, op *model.ActivityOperation) (activityID string, err error)
}

// ActionHandler tracks a companion action and its outcome.
type ActionHandler interface {
	HandleAction(ctx context.Context, op *model.ActionOperation) (actionID string, err error)
}

// SummarizationHandler generates a conversation summary.
type SummarizationHandler interface {
	HandleSummarization(ctx context.Context, op *model.SummarizationOperation) (summaryID string, err error)
}

// ContextAnalysisHandler analyzes recent conversation context.
type ContextAnalysisHandler interface {
	HandleContextAnalysis(ctx context.Context, op *model.ContextAnalysisOperation) (resultID string, err error)
}

// Handlers bundles the local handler bindings. Nil fields mean "not bound";
// invoking an unbound handler is an ErrNoHandler.
type Handlers struct {
	Chat      ChatHandler
	Memory    MemoryHandler
	Session   SessionHandler
	Activity  ActivityHandler
	Action    ActionHandler
	Summarize SummarizationHandler
	Context   ContextAnalysisHandler
}

// Invoke dispatches an operation to its bound handler. The broker's fallback
// path and the consumer both go through here, so the two execution paths of
// one operation kind are the same code.
func (h Handlers) Invoke(ctx context.Context, op model.Operation) (string, error) {
	switch o := op.(type) {
	case *model.MessageOperation:
		if h.Chat == nil {
			return "", fmt.Errorf("%w: %s", ErrNoHandler, op.Kind())
		}
		return h.Chat.HandleMessage(ctx, o)
	case *model.MemoryOperation:
		if h.Memory == nil {
			return "", fmt.Errorf("%w: %s", ErrNoHandler, op.Kind())
		}
		return h.Memory.HandleMemory(ctx, o)
	case *model.SessionOperation:
		if h.Session == nil {
			return "", fmt.Errorf("%w: %s", ErrNoHandler, op.Kind())
		}
		return h.Session.HandleSession(ctx, o)
	case *model.ActivityOperation:
		if h.Activity == nil {
			return "", fmt.Errorf("%w: %s", ErrNoHandler, op.Kind())
		}
		return h.Activity.HandleActivity(ctx, o)
	case *model.ActionOperation:
		if h.Action == nil {
			return "", fmt.Errorf("%w: %s", ErrNoHandler, op.Kind())
		}
		return h.Action.HandleAction(ctx, o)
	case *model.SummarizationOperation:
		if h.Summarize == nil {
			return "", fmt.Errorf("%w: %s", ErrNoHandler, op.Kind())
		}
		return h.Summarize.HandleSummarization(ctx, o)
	case *model.ContextAnalysisOperation:
		if h.Context == nil {
			return "", fmt.Errorf("%w: %s", ErrNoHandler, op.Kind())
		}
		return h.Context.HandleContextAnalysis(ctx, o)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
}
