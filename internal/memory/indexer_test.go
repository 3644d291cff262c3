package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/shikumi/internal/model"
)

type fakeIndex struct {
	mu      sync.Mutex
	batches [][]Document
	err     error
}

func (f *fakeIndex) Index(_ context.Context, docs []Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]Document(nil), docs...))
	return nil
}

func (f *fakeIndex) docs() []Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Document
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func completed(planID, goal string) model.Event {
	return model.Event{
		EventType: model.EventPlanCompleted,
		TraceID:   "trace-" + planID,
		Attributes: map[string]any{
			"plan_id": planID,
			"goal":    goal,
			"profile": "sales",
			"tools":   []string{"crm.search", "report.render"},
		},
	}
}

func TestDocumentFor(t *testing.T) {
	doc, ok := documentFor(completed("p1", "find stale accounts"))
	require.True(t, ok)
	assert.Equal(t, "sales", doc.Profile)
	assert.Equal(t, "find stale accounts\ntools: crm.search, report.render", doc.Content)
	assert.Equal(t, "p1", doc.Metadata["plan_id"])
	assert.Equal(t, "trace-p1", doc.Metadata["trace_id"])

	again, _ := documentFor(completed("p1", "find stale accounts"))
	assert.Equal(t, doc.ID, again.ID, "same plan maps to the same point")
	other, _ := documentFor(completed("p2", "find stale accounts"))
	assert.NotEqual(t, doc.ID, other.ID)

	_, ok = documentFor(model.Event{EventType: model.EventPlanCompleted, Attributes: map[string]any{"plan_id": "p3"}})
	assert.False(t, ok, "no goal, nothing to index")
}

func TestIndexerIgnoresOtherEvents(t *testing.T) {
	idx := &fakeIndex{}
	w := NewIndexer(idx, nil, time.Hour, 4, 4)

	require.NoError(t, w.Consume(context.Background(), model.Event{EventType: model.EventPlanFailed}))
	assert.Empty(t, w.queue)
}

func TestIndexerFlushesOnBatchSize(t *testing.T) {
	idx := &fakeIndex{}
	w := NewIndexer(idx, nil, time.Hour, 2, 8)
	w.Start(context.Background())
	t.Cleanup(func() { w.Drain(context.Background()) })

	require.NoError(t, w.Consume(context.Background(), completed("a", "goal a")))
	require.NoError(t, w.Consume(context.Background(), completed("b", "goal b")))

	require.Eventually(t, func() bool { return len(idx.docs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	indexed, dropped, failed := w.Stats()
	assert.Equal(t, int64(2), indexed)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestIndexerDrainFlushesRemainder(t *testing.T) {
	idx := &fakeIndex{}
	w := NewIndexer(idx, nil, time.Hour, 10, 10)
	w.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.Consume(context.Background(), completed(id, "goal "+id)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Drain(ctx)

	assert.Len(t, idx.docs(), 3)
}

func TestIndexerQueueFull(t *testing.T) {
	idx := &fakeIndex{}
	// Not started: nothing drains the queue.
	w := NewIndexer(idx, nil, time.Hour, 1, 1)

	require.NoError(t, w.Consume(context.Background(), completed("a", "goal a")))
	err := w.Consume(context.Background(), completed("b", "goal b"))
	require.ErrorIs(t, err, ErrQueueFull)

	_, dropped, _ := w.Stats()
	assert.Equal(t, int64(1), dropped)
}

func TestIndexerCountsFailures(t *testing.T) {
	idx := &fakeIndex{err: errors.New("qdrant down")}
	w := NewIndexer(idx, nil, time.Hour, 5, 5)
	w.Start(context.Background())

	require.NoError(t, w.Consume(context.Background(), completed("a", "goal a")))
	w.Drain(context.Background())

	indexed, _, failed := w.Stats()
	assert.Zero(t, indexed)
	assert.Equal(t, int64(1), failed)
}

func queueDepthPoints(t *testing.T, reader *sdkmetric.ManualReader) int {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	n := 0
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && m.Name == "shikumi.memory.index_queue_depth" {
				n += len(g.DataPoints)
			}
		}
	}
	return n
}

func TestIndexerDrainUnregistersMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	w := NewIndexer(&fakeIndex{}, nil, time.Hour, 4, 4)
	w.meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	w.Start(context.Background())
	assert.Equal(t, 1, queueDepthPoints(t, reader))

	w.Drain(context.Background())
	assert.Zero(t, queueDepthPoints(t, reader))
}
