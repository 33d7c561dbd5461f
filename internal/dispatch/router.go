// Package dispatch implements the operation broker: it routes typed
// operations to broker channels, decides per flow between asynchronous
// delivery and a synchronous local handler, and guarantees the local path as
// a fallback when the transport fails.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// ErrUnknownOperation is returned when an operation type has no routing
// entry. This is a programming error (the routing table and the operation
// union have diverged), never a transient condition: it is raised
// immediately and neither retried nor sent to a fallback.
var ErrUnknownOperation = errors.New("dispatch: no channel for operation type")

// ErrOversized is returned when a serialized operation exceeds the
// configured payload ceiling. Oversized operations are rejected before any
// transport or handler call, never truncated.
var ErrOversized = errors.New("dispatch: operation exceeds payload size limit")

// ErrNoHandler is returned when an operation's local handler binding is
// absent. Like ErrUnknownOperation it indicates miswiring, not load.
var ErrNoHandler = errors.New("dispatch: no local handler bound")

func oversizedError(t model.OperationType, size, limit int) error {
	return fmt.Errorf("%w: %s operation is %d bytes, limit is %d", ErrOversized, t, size, limit)
}

// Broker channel names, one per operation type.
const (
	ChannelChatMessages    = "chat_messages"
	ChannelMemoryOps       = "memory_operations"
	ChannelSessionOps      = "session_operations"
	ChannelActivityOps     = "activity_operations"
	ChannelActionOps       = "action_operations"
	ChannelSummarization   = "summarization_requests"
	ChannelContextAnalysis = "context_analysis"
)

// ChannelFor maps an operation type to its broker channel. The switch is
// total over model.Types; TestChannelForIsExhaustive enforces that a new
// operation kind cannot ship without a routing entry.
func ChannelFor(t model.OperationType) (string, error) {
	switch t {
	case model.TypeMessage:
		return ChannelChatMessages, nil
	case model.TypeMemory:
		return ChannelMemoryOps, nil
	case model.TypeSession:
		return ChannelSessionOps, nil
	case model.TypeActivity:
		return ChannelActivityOps, nil
	case model.TypeAction:
		return ChannelActionOps, nil
	case model.TypeSummarization:
		return ChannelSummarization, nil
	case model.TypeContextAnalysis:
		return ChannelContextAnalysis, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, t)
	}
}

// Channels returns every routed channel name. The consumer subscribes to all
// of them.
func Channels() []string {
	return []string{
		ChannelChatMessages,
		ChannelMemoryOps,
		ChannelSessionOps,
		ChannelActivityOps,
		ChannelActionOps,
		ChannelSummarization,
		ChannelContextAnalysis,
	}
}
