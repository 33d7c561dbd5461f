package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiki-ai/hibiki/internal/dispatch"
	"github.com/hibiki-ai/hibiki/internal/model"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	broker              *dispatch.Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers.
func NewHandlers(broker *dispatch.Broker, logger *slog.Logger, version string, maxRequestBodyBytes int64) *Handlers {
	return &Handlers{
		broker:              broker,
		logger:              logger,
		startedAt:           time.Now(),
		version:             version,
		maxRequestBodyBytes: maxRequestBodyBytes,
	}
}

// HandleEnqueue handles POST /v1/operations: a raw operation document with a
// type discriminant, dispatched as-is.
func (h *Handlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_body", "request body could not be read")
		return
	}

	op, err := model.Decode(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_operation", err.Error())
		return
	}

	h.enqueue(w, r, op)
}

// chatMessageRequest is the body of POST /v1/chat/messages.
type chatMessageRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id,omitempty"`
	Text      string         `json:"text"`
	Role      string         `json:"role,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

// HandleChatMessage handles POST /v1/chat/messages.
func (h *Handlers) HandleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chatMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	h.enqueue(w, r, &model.MessageOperation{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		Text:      req.Text,
		Role:      req.Role,
		Config:    req.Config,
	})
}

// memoryOperationRequest is the body of POST /v1/memory/operations.
type memoryOperationRequest struct {
	Op         model.MemoryOpKind `json:"op"`
	UserID     string             `json:"user_id"`
	MemoryID   string             `json:"memory_id,omitempty"`
	Category   string             `json:"category,omitempty"`
	Importance int                `json:"importance,omitempty"`
	Text       string             `json:"text,omitempty"`
	Query      string             `json:"query,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// HandleMemoryOperation handles POST /v1/memory/operations.
func (h *Handlers) HandleMemoryOperation(w http.ResponseWriter, r *http.Request) {
	var req memoryOperationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	h.enqueue(w, r, &model.MemoryOperation{
		Op:         req.Op,
		UserID:     req.UserID,
		MemoryID:   req.MemoryID,
		Category:   req.Category,
		Importance: req.Importance,
		Text:       req.Text,
		Query:      req.Query,
		Limit:      req.Limit,
	})
}

// enqueue runs the broker and maps the dispatch error taxonomy onto HTTP
// statuses.
func (h *Handlers) enqueue(w http.ResponseWriter, r *http.Request, op model.Operation) {
	id, err := h.broker.Enqueue(r.Context(), op, ParentSpanFromContext(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalid):
			writeError(w, r, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		case errors.Is(err, dispatch.ErrOversized):
			writeError(w, r, http.StatusRequestEntityTooLarge, "operation_too_large", err.Error())
		case errors.Is(err, dispatch.ErrUnknownOperation), errors.Is(err, dispatch.ErrNoHandler):
			// Miswiring, not a caller mistake.
			h.logger.Error("dispatch misconfigured", "error", err)
			writeError(w, r, http.StatusInternalServerError, "dispatch_error", "operation cannot be dispatched")
		default:
			h.logger.Error("enqueue failed",
				"operation_type", op.Kind(),
				"request_id", RequestIDFromContext(r.Context()),
				"error", err)
			writeError(w, r, http.StatusInternalServerError, "enqueue_failed", "operation failed")
		}
		return
	}

	writeJSON(w, r, http.StatusAccepted, EnqueueResponse{OperationID: id})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// decodeJSON decodes a size-capped JSON request body into target.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
