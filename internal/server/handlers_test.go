package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/dispatch"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/trace"
)

// captureHandlers records the operations the broker's synchronous path ran.
type captureHandlers struct {
	ops []model.Operation
}

func (c *captureHandlers) record(op model.Operation) (string, error) {
	c.ops = append(c.ops, op)
	return "", nil
}

func (c *captureHandlers) HandleMessage(_ context.Context, op *model.MessageOperation) (string, error) {
	return c.record(op)
}
func (c *captureHandlers) HandleMemory(_ context.Context, op *model.MemoryOperation) (string, error) {
	return c.record(op)
}
func (c *captureHandlers) HandleSession(_ context.Context, op *model.SessionOperation) (string, error) {
	return c.record(op)
}
func (c *captureHandlers) HandleActivity(_ context.Context, op *model.ActivityOperation) (string, error) {
	return c.record(op)
}
func (c *captureHandlers) HandleAction(_ context.Context, op *model.ActionOperation) (string, error) {
	return c.record(op)
}
func (c *captureHandlers) HandleSummarization(_ context.Context, op *model.SummarizationOperation) (string, error) {
	return c.record(op)
}
func (c *captureHandlers) HandleContextAnalysis(_ context.Context, op *model.ContextAnalysisOperation) (string, error) {
	return c.record(op)
}

type serverFixture struct {
	handler  http.Handler
	captured *captureHandlers
}

// newTestServer builds a full server over a broker with no transport, so
// every accepted operation lands in the synchronous handlers.
func newTestServer(t *testing.T) *serverFixture {
	t.Helper()
	return newTestServerWithBodyLimit(t, 1<<20)
}

func newTestServerWithBodyLimit(t *testing.T, maxBodyBytes int64) *serverFixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	captured := &captureHandlers{}

	broker := dispatch.NewBroker(dispatch.BrokerConfig{
		Tracer: trace.NewTracer(logger),
		Flows:  dispatch.NewFlowConfig(true, nil),
		Handlers: dispatch.Handlers{
			Chat:      captured,
			Memory:    captured,
			Session:   captured,
			Activity:  captured,
			Action:    captured,
			Summarize: captured,
			Context:   captured,
		},
		Logger: logger,
	})

	srv := New(ServerConfig{
		Broker:              broker,
		Logger:              logger,
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: maxBodyBytes,
	})
	return &serverFixture{handler: srv.Handler(), captured: captured}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) ResponseMeta {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
		Meta ResponseMeta    `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
	return envelope.Meta
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var envelope APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

func TestHandleChatMessageAccepted(t *testing.T) {
	fx := newTestServer(t)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/chat/messages",
		`{"user_id":"u1","session_id":"s1","text":"hello"}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp EnqueueResponse
	meta := decodeData(t, rec, &resp)
	assert.NotEmpty(t, resp.OperationID)
	assert.NotEmpty(t, meta.RequestID)
	assert.Equal(t, meta.RequestID, rec.Header().Get("X-Request-ID"))

	require.Len(t, fx.captured.ops, 1)
	op, ok := fx.captured.ops[0].(*model.MessageOperation)
	require.True(t, ok)
	assert.Equal(t, "hello", op.Text)
}

func TestHandleChatMessageValidation(t *testing.T) {
	fx := newTestServer(t)

	// Missing text fails operation validation, not JSON decoding.
	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/chat/messages",
		`{"user_id":"u1","session_id":"s1"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_failed", decodeError(t, rec).Code)
	assert.Empty(t, fx.captured.ops)
}

func TestHandleChatMessageRejectsUnknownFields(t *testing.T) {
	fx := newTestServer(t)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/chat/messages",
		`{"user_id":"u1","session_id":"s1","text":"hi","shoe_size":43}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeError(t, rec).Code)
}

func TestHandleMemoryOperation(t *testing.T) {
	fx := newTestServer(t)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/memory/operations",
		`{"op":"create","user_id":"u1","text":"likes jasmine tea","importance":4}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, fx.captured.ops, 1)

	op, ok := fx.captured.ops[0].(*model.MemoryOperation)
	require.True(t, ok)
	assert.Equal(t, model.MemoryCreate, op.Op)
	assert.Equal(t, "likes jasmine tea", op.Text)
	assert.Equal(t, 4, op.Importance)
}

func TestHandleEnqueueRawOperation(t *testing.T) {
	fx := newTestServer(t)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/operations",
		`{"type":"summarization","user_id":"u1","session_id":"s1","max_tokens":256}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, fx.captured.ops, 1)
	assert.Equal(t, model.TypeSummarization, fx.captured.ops[0].Kind())
}

func TestHandleEnqueueUnknownType(t *testing.T) {
	fx := newTestServer(t)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/operations",
		`{"type":"telepathy","user_id":"u1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_operation", decodeError(t, rec).Code)
	assert.Empty(t, fx.captured.ops)
}

func TestHandleEnqueueMalformedJSON(t *testing.T) {
	fx := newTestServer(t)

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/operations", `{"type":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEnqueueBodyOverLimit(t *testing.T) {
	fx := newTestServerWithBodyLimit(t, 64)

	payload := `{"type":"summarization","user_id":"u1","session_id":"s1","context":"` +
		strings.Repeat("z", 256) + `"}`
	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/operations", payload)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "body_too_large", decodeError(t, rec).Code)
	assert.Empty(t, fx.captured.ops)
}

// stalledReader fails mid-body, the way a dropped connection does.
type stalledReader struct{}

func (stalledReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestHandleEnqueueBodyReadFailure(t *testing.T) {
	fx := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/operations", stalledReader{})
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeError(t, rec).Code)
	assert.Empty(t, fx.captured.ops)
}

func TestTraceHeadersBecomeParentSpan(t *testing.T) {
	fx := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/messages",
		strings.NewReader(`{"user_id":"u1","session_id":"s1","text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-trace-id", "trace-from-frontend")
	req.Header.Set("x-span-id", "span-from-frontend")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, fx.captured.ops, 1)

	sc, ok := trace.DecodeContext(fx.captured.ops[0].Common().TraceContext)
	require.True(t, ok)
	assert.Equal(t, "trace-from-frontend", sc.TraceID)
	assert.Equal(t, "span-from-frontend", sc.ParentSpanID)
}

func TestHandleHealth(t *testing.T) {
	fx := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestMethodNotAllowed(t *testing.T) {
	fx := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/operations", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
