package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphael-dev/raphael/internal/hub"
	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/testutil"
)

// fakeHub records broadcasts and lets tests flip subscriber presence per drop.
type fakeHub struct {
	subscribed map[int64]bool
	messages   []hub.ServerMessage
}

func newFakeHub() *fakeHub {
	return &fakeHub{subscribed: make(map[int64]bool)}
}

func (f *fakeHub) HasSubscribers(dropID int64) bool { return f.subscribed[dropID] }

func (f *fakeHub) Broadcast(msg hub.ServerMessage, dropID *int64) {
	f.messages = append(f.messages, msg)
}

func newTestPipeline(t *testing.T, h *fakeHub, opts Options) *Pipeline {
	t.Helper()
	store := testutil.MustOpenStore(t)
	return NewPipeline(store, h, opts, testutil.TestLogger())
}

func eventBody(n int) []byte {
	events := make([]map[string]any, n)
	for i := range events {
		events[i] = map[string]any{
			"service.name": "svc",
			"outcome":      "success",
			"user.id":      fmt.Sprintf("u-%d", i),
		}
	}
	raw, _ := json.Marshal(events)
	return raw
}

func TestPipeline_IngestEvents_RoundTrip(t *testing.T) {
	h := newFakeHub()
	p := newTestPipeline(t, h, Options{})
	ctx := context.Background()

	n, err := p.IngestEvents(ctx, 1, []byte(`{"service.name":"api","outcome":"error","error_count":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := p.store.QueryEvents(ctx, 1, nil, nil, "DESC", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "api", rows[0].ServiceName)
	assert.Equal(t, "error", rows[0].Outcome)
	assert.Equal(t, int64(1), rows[0].ErrorCount)
}

func TestPipeline_IngestEvents_ArrayBody(t *testing.T) {
	h := newFakeHub()
	p := newTestPipeline(t, h, Options{})

	n, err := p.IngestEvents(context.Background(), 1, eventBody(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPipeline_IngestEvents_BadBody(t *testing.T) {
	h := newFakeHub()
	p := newTestPipeline(t, h, Options{})

	_, err := p.IngestEvents(context.Background(), 1, []byte(`not json`))
	assert.Error(t, err)

	_, err = p.IngestEvents(context.Background(), 1, []byte(`  `))
	assert.Error(t, err)
}

func TestPipeline_NoSubscribers_NoBroadcast(t *testing.T) {
	h := newFakeHub()
	p := newTestPipeline(t, h, Options{})

	n, err := p.IngestEvents(context.Background(), 1, eventBody(5))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Empty(t, h.messages, "nothing staged without a subscriber")
}

func TestPipeline_Broadcast_Chunked(t *testing.T) {
	h := newFakeHub()
	h.subscribed[1] = true
	p := newTestPipeline(t, h, Options{MaxBroadcastItems: 10, BroadcastChunk: 4})

	n, err := p.IngestEvents(context.Background(), 1, eventBody(9))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	// 9 staged rows in chunks of 4: 4 + 4 + 1.
	require.Len(t, h.messages, 3)
	for _, msg := range h.messages {
		assert.Equal(t, hub.TypeWideEvents, msg.Type)
		require.NotNil(t, msg.DropID)
		assert.Equal(t, int64(1), *msg.DropID)
	}
	sizes := make([]int, 0, 3)
	for _, msg := range h.messages {
		sizes = append(sizes, len(msg.Data.([]model.WideEvent)))
	}
	assert.Equal(t, []int{4, 4, 1}, sizes)
}

func TestPipeline_Broadcast_CapKeepsNewest(t *testing.T) {
	h := newFakeHub()
	h.subscribed[1] = true
	p := newTestPipeline(t, h, Options{MaxBroadcastItems: 3, BroadcastChunk: 100})

	n, err := p.IngestEvents(context.Background(), 1, eventBody(8))
	require.NoError(t, err)
	assert.Equal(t, 8, n, "all rows persist even when broadcast is capped")

	require.Len(t, h.messages, 1)
	staged := h.messages[0].Data.([]model.WideEvent)
	require.Len(t, staged, 3)
	// The newest rows survive the cap.
	assert.Equal(t, "u-5", *staged[0].UserID)
	assert.Equal(t, "u-7", *staged[2].UserID)
}

func TestPipeline_IngestOTLPTraces(t *testing.T) {
	h := newFakeHub()
	h.subscribed[1] = true
	p := newTestPipeline(t, h, Options{})
	ctx := context.Background()

	body := []byte(`{"resourceSpans":[{
		"resource":{"attributes":[{"key":"service.name","value":{"stringValue":"checkout"}}]},
		"scopeSpans":[{"spans":[{
			"traceId":"0123456789abcdef0123456789abcdef",
			"spanId":"00f067aa0ba902b7",
			"name":"GET /cart",
			"startTimeUnixNano":"1700000000000000000",
			"endTimeUnixNano":"1700000000250000000",
			"status":{"code":2}
		}]}]}]}`)

	n, err := p.IngestOTLPTraces(ctx, 1, body)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	spans, err := p.store.GetTraceSpans(ctx, 1, "01234567-89ab-cdef-0123-456789abcdef")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "checkout", spans[0].ServiceName)
	assert.Equal(t, model.StatusError, spans[0].Status)

	require.Len(t, h.messages, 1)
	assert.Equal(t, hub.TypeTraces, h.messages[0].Type)
}

func TestPipeline_IngestOTLPTraces_Empty(t *testing.T) {
	h := newFakeHub()
	p := newTestPipeline(t, h, Options{})

	n, err := p.IngestOTLPTraces(context.Background(), 1, []byte(`{"resourceSpans":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPipeline_IngestOTLPLogs_FiltersWideEvents(t *testing.T) {
	h := newFakeHub()
	p := newTestPipeline(t, h, Options{})
	ctx := context.Background()

	body := []byte(`{"resourceLogs":[{
		"resource":{"attributes":[{"key":"service.name","value":{"stringValue":"worker"}}]},
		"scopeLogs":[{"logRecords":[
			{"attributes":[
				{"key":"log.type","value":{"stringValue":"wide_event"}},
				{"key":"outcome","value":{"stringValue":"success"}}
			]},
			{"body":{"stringValue":"ordinary log line"}}
		]}]}]}`)

	n, err := p.IngestOTLPLogs(ctx, 1, body)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := p.store.QueryEvents(ctx, 1, nil, nil, "DESC", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "worker", rows[0].ServiceName)
}
