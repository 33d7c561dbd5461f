package consumer

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/dispatch"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/trace"
	"github.com/hibiki-ai/hibiki/internal/transport"
)

// chanHandlers delivers every handled operation to a channel so tests can
// wait for it.
type chanHandlers struct {
	got chan model.Operation
	err error
}

func newChanHandlers() *chanHandlers {
	return &chanHandlers{got: make(chan model.Operation, 16)}
}

func (h *chanHandlers) push(op model.Operation) (string, error) {
	h.got <- op
	return "", h.err
}

func (h *chanHandlers) HandleMessage(_ context.Context, op *model.MessageOperation) (string, error) {
	return h.push(op)
}
func (h *chanHandlers) HandleMemory(_ context.Context, op *model.MemoryOperation) (string, error) {
	return h.push(op)
}
func (h *chanHandlers) HandleSession(_ context.Context, op *model.SessionOperation) (string, error) {
	return h.push(op)
}
func (h *chanHandlers) HandleActivity(_ context.Context, op *model.ActivityOperation) (string, error) {
	return h.push(op)
}
func (h *chanHandlers) HandleAction(_ context.Context, op *model.ActionOperation) (string, error) {
	return h.push(op)
}
func (h *chanHandlers) HandleSummarization(_ context.Context, op *model.SummarizationOperation) (string, error) {
	return h.push(op)
}
func (h *chanHandlers) HandleContextAnalysis(_ context.Context, op *model.ContextAnalysisOperation) (string, error) {
	return h.push(op)
}

func bindAll(h *chanHandlers) dispatch.Handlers {
	return dispatch.Handlers{
		Chat:      h,
		Memory:    h,
		Session:   h,
		Activity:  h,
		Action:    h,
		Summarize: h,
		Context:   h,
	}
}

func awaitOp(t *testing.T, got <-chan model.Operation) model.Operation {
	t.Helper()
	select {
	case op := <-got:
		return op
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handled operation")
		return nil
	}
}

// startConsumer runs the consumer and waits for Ready before returning, so a
// subsequent publish is not lost.
func startConsumer(t *testing.T, ctx context.Context, c *Consumer) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop on context cancel")
		}
	})
	select {
	case <-c.Ready():
	case err := <-done:
		t.Fatalf("consumer stopped before becoming ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never became ready")
	}
}

func TestConsumerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)
	tracer := trace.NewTracer(logger)
	wm := transport.NewWatermill()
	defer wm.Close()

	handlers := newChanHandlers()
	startConsumer(t, ctx, New(wm, bindAll(handlers), tracer, logger))

	broker := dispatch.NewBroker(dispatch.BrokerConfig{
		Transport: wm,
		Tracer:    tracer,
		Flows:     dispatch.NewFlowConfig(true, nil),
		Handlers:  bindAll(handlers),
		Logger:    logger,
	})

	parent := tracer.NewRootContext("s1", "u1", nil)
	id, err := broker.EnqueueMessage(ctx,
		model.MessageOperation{UserID: "u1", SessionID: "s1", Text: "hello"}, &parent)
	require.NoError(t, err)

	op := awaitOp(t, handlers.got)
	msg, ok := op.(*model.MessageOperation)
	require.True(t, ok)
	assert.Equal(t, id, msg.Common().ID)
	assert.Equal(t, "hello", msg.Text)

	// The trace carried over the broker hop continues the caller's trace.
	sc, ok := trace.DecodeContext(msg.Common().TraceContext)
	require.True(t, ok)
	assert.Equal(t, parent.TraceID, sc.TraceID)

	assert.Equal(t, 0, tracer.ActiveSpans(), "handle span must be closed")
}

func TestConsumerReadyGatesFirstPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)
	tracer := trace.NewTracer(logger)
	wm := transport.NewWatermill()
	defer wm.Close()

	handlers := newChanHandlers()
	c := New(wm, bindAll(handlers), tracer, logger)

	select {
	case <-c.Ready():
		t.Fatal("ready before Run subscribed anything")
	default:
	}

	startConsumer(t, ctx, c)

	// The in-process transport drops messages published before a subscriber
	// exists, so a publish issued right after Ready must still be delivered.
	payload, err := model.Encode(&model.MessageOperation{
		Envelope:  model.Envelope{ID: "op-first"},
		UserID:    "u1",
		SessionID: "s1",
		Text:      "first",
	})
	require.NoError(t, err)
	require.NoError(t, wm.Send(ctx, dispatch.ChannelChatMessages, "u1", payload, nil))

	op := awaitOp(t, handlers.got)
	assert.Equal(t, "op-first", op.Common().ID)
}

func TestConsumerSurvivesUndecodablePayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)
	tracer := trace.NewTracer(logger)
	wm := transport.NewWatermill()
	defer wm.Close()

	handlers := newChanHandlers()
	startConsumer(t, ctx, New(wm, bindAll(handlers), tracer, logger))

	require.NoError(t, wm.Send(ctx, dispatch.ChannelChatMessages, "u1", []byte("not json"), nil))

	payload, err := model.Encode(&model.MessageOperation{
		Envelope:  model.Envelope{ID: "op-1"},
		UserID:    "u1",
		SessionID: "s1",
		Text:      "still alive",
	})
	require.NoError(t, err)
	require.NoError(t, wm.Send(ctx, dispatch.ChannelChatMessages, "u1", payload, nil))

	op := awaitOp(t, handlers.got)
	assert.Equal(t, "op-1", op.Common().ID, "the poison message is dropped, the next one handled")
}

func TestConsumerSurvivesHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)
	tracer := trace.NewTracer(logger)
	wm := transport.NewWatermill()
	defer wm.Close()

	handlers := newChanHandlers()
	handlers.err = errors.New("handler exploded")
	startConsumer(t, ctx, New(wm, bindAll(handlers), tracer, logger))

	for i, id := range []string{"op-1", "op-2"} {
		payload, err := model.Encode(&model.MemoryOperation{
			Envelope: model.Envelope{ID: id},
			Op:       model.MemoryCreate,
			UserID:   "u1",
			Text:     "remembered",
		})
		require.NoError(t, err)
		require.NoError(t, wm.Send(ctx, dispatch.ChannelMemoryOps, "u1", payload, nil))

		op := awaitOp(t, handlers.got)
		assert.Equal(t, id, op.Common().ID, "delivery %d", i)
	}
	assert.Equal(t, 0, tracer.ActiveSpans())
}
