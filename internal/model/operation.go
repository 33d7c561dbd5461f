// Package model defines the operation types that flow through the dispatch
// pipeline. Each operation kind is a concrete struct embedding Envelope, so
// required fields are enforced by the type system rather than by optional
// fields on one flat record.
package model

import (
	"errors"
	"fmt"
	"time"
)

// OperationType discriminates the operation union. It is immutable after
// construction and is the sole key used for channel routing.
type OperationType string

const (
	TypeMessage         OperationType = "message"
	TypeMemory          OperationType = "memory"
	TypeSession         OperationType = "session"
	TypeActivity        OperationType = "activity"
	TypeAction          OperationType = "action"
	TypeSummarization   OperationType = "summarization"
	TypeContextAnalysis OperationType = "context_analysis"
)

// Types lists every operation type in the union. Exhaustiveness tests for the
// routing table iterate this slice; keep it in sync when adding a kind.
var Types = []OperationType{
	TypeMessage,
	TypeMemory,
	TypeSession,
	TypeActivity,
	TypeAction,
	TypeSummarization,
	TypeContextAnalysis,
}

// ErrInvalid is the base error for operation validation failures. All
// validation errors wrap it so callers can classify with errors.Is.
var ErrInvalid = errors.New("model: invalid operation")

// ErrUnknownType is returned when decoding a payload whose type discriminant
// is not part of the operation union.
var ErrUnknownType = errors.New("model: unknown operation type")

// Envelope carries the fields common to every operation. The broker assigns
// ID and Timestamp if the caller left them empty; TraceContext is injected by
// the broker before transmission and is opaque to everything but the tracer.
type Envelope struct {
	ID           string        `json:"id"`
	Type         OperationType `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	TraceContext string        `json:"trace_context,omitempty"`
}

// Operation is the interface every operation kind implements.
type Operation interface {
	// Kind returns the type discriminant. It is a constant per concrete type.
	Kind() OperationType
	// Common returns the shared envelope for in-place enrichment.
	Common() *Envelope
	// Validate checks kind-specific required fields. Errors wrap ErrInvalid.
	Validate() error
}

// MessageOperation represents an incoming chat message to process.
type MessageOperation struct {
	Envelope
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id,omitempty"` // client-assigned, for dedup
	Text      string         `json:"text"`
	Role      string         `json:"role,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

func (o *MessageOperation) Kind() OperationType { return TypeMessage }
func (o *MessageOperation) Common() *Envelope   { return &o.Envelope }

func (o *MessageOperation) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: message requires user_id", ErrInvalid)
	}
	if o.SessionID == "" {
		return fmt.Errorf("%w: message requires session_id", ErrInvalid)
	}
	if o.Text == "" {
		return fmt.Errorf("%w: message requires text", ErrInvalid)
	}
	return nil
}

// MemoryOpKind selects the mutation (or query) a MemoryOperation performs.
type MemoryOpKind string

const (
	MemoryCreate MemoryOpKind = "create"
	MemoryUpdate MemoryOpKind = "update"
	MemoryDelete MemoryOpKind = "delete"
	MemoryQuery  MemoryOpKind = "query"
)

// MemoryOperation mutates or queries the companion's long-term memory.
type MemoryOperation struct {
	Envelope
	Op         MemoryOpKind `json:"op"`
	UserID     string       `json:"user_id"`
	MemoryID   string       `json:"memory_id,omitempty"`
	Category   string       `json:"category,omitempty"`
	Importance int          `json:"importance,omitempty"`
	Text       string       `json:"text,omitempty"`
	Query      string       `json:"query,omitempty"`
	Limit      int          `json:"limit,omitempty"`
}

func (o *MemoryOperation) Kind() OperationType { return TypeMemory }
func (o *MemoryOperation) Common() *Envelope   { return &o.Envelope }

func (o *MemoryOperation) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: memory %s requires user_id", ErrInvalid, o.Op)
	}
	switch o.Op {
	case MemoryCreate:
		if o.Text == "" {
			return fmt.Errorf("%w: memory create requires text", ErrInvalid)
		}
	case MemoryUpdate, MemoryDelete:
		if o.MemoryID == "" {
			return fmt.Errorf("%w: memory %s requires memory_id", ErrInvalid, o.Op)
		}
	case MemoryQuery:
		if o.Query == "" {
			return fmt.Errorf("%w: memory query requires query text", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown memory op %q", ErrInvalid, o.Op)
	}
	return nil
}

// SessionOpKind selects what a SessionOperation does to a chat session.
type SessionOpKind string

const (
	SessionCreate  SessionOpKind = "create"
	SessionUpdate  SessionOpKind = "update"
	SessionArchive SessionOpKind = "archive"
	SessionDelete  SessionOpKind = "delete"
)

// SessionOperation manages chat session lifecycle and flags.
type SessionOperation struct {
	Envelope
	Op         SessionOpKind `json:"op"`
	UserID     string        `json:"user_id"`
	SessionID  string        `json:"session_id,omitempty"` // empty for create
	Title      string        `json:"title,omitempty"`
	IsGlobal   bool          `json:"is_global,omitempty"`
	IsArchived bool          `json:"is_archived,omitempty"`
}

func (o *SessionOperation) Kind() OperationType { return TypeSession }
func (o *SessionOperation) Common() *Envelope   { return &o.Envelope }

func (o *SessionOperation) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: session %s requires user_id", ErrInvalid, o.Op)
	}
	switch o.Op {
	case SessionCreate:
	case SessionUpdate, SessionArchive, SessionDelete:
		if o.SessionID == "" {
			return fmt.Errorf("%w: session %s requires session_id", ErrInvalid, o.Op)
		}
	default:
		return fmt.Errorf("%w: unknown session op %q", ErrInvalid, o.Op)
	}
	return nil
}

// ActivityOperation records companion activity state (typing, idle, mood).
type ActivityOperation struct {
	Envelope
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id"`
	ActivityID   string         `json:"activity_id,omitempty"`
	ActivityType string         `json:"activity_type,omitempty"`
	State        map[string]any `json:"state,omitempty"`
}

func (o *ActivityOperation) Kind() OperationType { return TypeActivity }
func (o *ActivityOperation) Common() *Envelope   { return &o.Envelope }

func (o *ActivityOperation) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: activity requires user_id", ErrInvalid)
	}
	if o.SessionID == "" {
		return fmt.Errorf("%w: activity requires session_id", ErrInvalid)
	}
	return nil
}

// ActionOperation tracks a companion-initiated action and its outcome.
type ActionOperation struct {
	Envelope
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	ActionID   string         `json:"action_id"`
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (o *ActionOperation) Kind() OperationType { return TypeAction }
func (o *ActionOperation) Common() *Envelope   { return &o.Envelope }

func (o *ActionOperation) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: action requires user_id", ErrInvalid)
	}
	if o.SessionID == "" {
		return fmt.Errorf("%w: action requires session_id", ErrInvalid)
	}
	if o.ActionID == "" {
		return fmt.Errorf("%w: action requires action_id", ErrInvalid)
	}
	if o.ActionType == "" {
		return fmt.Errorf("%w: action requires action_type", ErrInvalid)
	}
	return nil
}

// MessagePayload is a role/content pair carried by summarization and
// context-analysis operations.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SummarizationOperation requests a conversation summary.
type SummarizationOperation struct {
	Envelope
	UserID      string           `json:"user_id"`
	SessionID   string           `json:"session_id"`
	Messages    []MessagePayload `json:"messages,omitempty"` // empty means "whole session"
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Synchronous bool             `json:"synchronous,omitempty"`
}

func (o *SummarizationOperation) Kind() OperationType { return TypeSummarization }
func (o *SummarizationOperation) Common() *Envelope   { return &o.Envelope }

func (o *SummarizationOperation) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: summarization requires user_id", ErrInvalid)
	}
	if o.SessionID == "" {
		return fmt.Errorf("%w: summarization requires session_id", ErrInvalid)
	}
	return nil
}

// ContextAnalysisOperation requests analysis of recent conversation context.
// Callers expect an immediate result, so the broker always runs these on the
// synchronous path.
type ContextAnalysisOperation struct {
	Envelope
	UserID    string           `json:"user_id"`
	SessionID string           `json:"session_id"`
	Content   string           `json:"content,omitempty"`
	Messages  []MessagePayload `json:"messages,omitempty"`
	Depth     string           `json:"depth,omitempty"` // "shallow" or "deep"
}

func (o *ContextAnalysisOperation) Kind() OperationType { return TypeContextAnalysis }
func (o *ContextAnalysisOperation) Common() *Envelope   { return &o.Envelope }

func (o *ContextAnalysisOperation) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("%w: context analysis requires user_id", ErrInvalid)
	}
	if o.SessionID == "" {
		return fmt.Errorf("%w: context analysis requires session_id", ErrInvalid)
	}
	if o.Content == "" && len(o.Messages) == 0 {
		return fmt.Errorf("%w: context analysis requires content or messages", ErrInvalid)
	}
	return nil
}
