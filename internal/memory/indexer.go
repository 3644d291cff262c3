package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/telemetry"
)

// ErrQueueFull is returned by Consume when the index queue is saturated.
// The document is dropped; planning keeps working without it.
var ErrQueueFull = errors.New("memory: index queue full")

// DocumentIndex stores documents for later retrieval. *Qdrant satisfies it.
type DocumentIndex interface {
	Index(ctx context.Context, docs []Document) error
}

// planNamespace derives stable point IDs from plan IDs, so replaying an
// event upserts the same point.
var planNamespace = uuid.MustParse("6f1c1f0e-5b1a-4c52-9a33-2c1d7f0a9e41")

// Indexer learns from completed runs. It consumes plan_completed events,
// queues one document per plan and upserts them in batches, so later plans
// for the same profile are enriched with what worked before.
type Indexer struct {
	index         DocumentIndex
	logger        *slog.Logger
	flushInterval time.Duration
	batchSize     int

	queue      chan Document
	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to the loop for the final flush

	indexed atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	meter      metric.Meter
	metricsReg metric.Registration
}

// NewIndexer creates an indexer. queueSize bounds the documents waiting to
// be flushed.
func NewIndexer(index DocumentIndex, logger *slog.Logger, flushInterval time.Duration, batchSize, queueSize int) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	if queueSize < batchSize {
		queueSize = batchSize
	}
	return &Indexer{
		index:         index,
		logger:        logger,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		queue:         make(chan Document, queueSize),
		done:          make(chan struct{}),
		drainCh:       make(chan context.Context, 1),
		meter:         telemetry.Meter("shikumi/memory"),
	}
}

// Consume implements telemetry.Sink. Only plan_completed events are indexed.
func (w *Indexer) Consume(_ context.Context, e model.Event) error {
	if e.EventType != model.EventPlanCompleted {
		return nil
	}
	doc, ok := documentFor(e)
	if !ok {
		return nil
	}
	select {
	case w.queue <- doc:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

// documentFor turns a plan_completed event into a document. Events without
// a goal carry nothing worth retrieving.
func documentFor(e model.Event) (Document, bool) {
	goal, _ := e.Attributes["goal"].(string)
	planID, _ := e.Attributes["plan_id"].(string)
	if goal == "" || planID == "" {
		return Document{}, false
	}
	profile, _ := e.Attributes["profile"].(string)
	tools, _ := e.Attributes["tools"].([]string)

	content := goal
	if len(tools) > 0 {
		content = fmt.Sprintf("%s\ntools: %s", goal, strings.Join(tools, ", "))
	}
	return Document{
		ID:      uuid.NewSHA1(planNamespace, []byte(planID)).String(),
		Profile: profile,
		Content: content,
		Metadata: map[string]any{
			"plan_id":  planID,
			"trace_id": e.TraceID,
			"tools":    strings.Join(tools, ","),
		},
	}, true
}

// Start begins the background flush loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Indexer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("memory indexer: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.loop(loopCtx)
}

// Drain stops the loop, flushes what is queued and blocks until done or ctx
// expires.
func (w *Indexer) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	// Must be sent before cancelLoop so the loop sees it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	w.cancelLoop()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("memory indexer: drain timed out", "queued", len(w.queue))
	}
	if w.metricsReg != nil {
		if err := w.metricsReg.Unregister(); err != nil {
			w.logger.Warn("memory indexer: unregister metrics", "error", err)
		}
		w.metricsReg = nil
	}
}

// Stats reports how many documents were indexed, dropped on a full queue and
// lost to index errors.
func (w *Indexer) Stats() (indexed, dropped, failed int64) {
	return w.indexed.Load(), w.dropped.Load(), w.failed.Load()
}

func (w *Indexer) loop(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	var batch []Document
	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			cancel := func() {}
			if drainCtx == nil {
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			}
			batch = w.takeQueued(batch)
			w.flush(drainCtx, batch)
			cancel()
			w.once.Do(func() { close(w.done) })
			return
		case doc := <-w.queue:
			batch = append(batch, doc)
			if len(batch) >= w.batchSize {
				w.flushWithTimeout(ctx, batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushWithTimeout(ctx, batch)
				batch = nil
			}
		}
	}
}

// takeQueued appends everything currently queued without blocking.
func (w *Indexer) takeQueued(batch []Document) []Document {
	for {
		select {
		case doc := <-w.queue:
			batch = append(batch, doc)
		default:
			return batch
		}
	}
}

func (w *Indexer) flushWithTimeout(ctx context.Context, batch []Document) {
	flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	w.flush(flushCtx, batch)
}

func (w *Indexer) flush(ctx context.Context, batch []Document) {
	for start := 0; start < len(batch); start += w.batchSize {
		chunk := batch[start:min(start+w.batchSize, len(batch))]
		if err := w.index.Index(ctx, chunk); err != nil {
			w.failed.Add(int64(len(chunk)))
			w.logger.Warn("memory indexer: index batch failed", "documents", len(chunk), "error", err)
			continue
		}
		w.indexed.Add(int64(len(chunk)))
	}
}

// registerMetrics registers observable OTEL gauges for indexer health. The
// callback is unregistered by Drain.
func (w *Indexer) registerMetrics() {
	depth, err := w.meter.Int64ObservableGauge("shikumi.memory.index_queue_depth",
		metric.WithDescription("Documents waiting to be indexed"),
	)
	if err != nil {
		w.logger.Warn("memory indexer: register metrics", "error", err)
		return
	}
	indexed, err := w.meter.Int64ObservableCounter("shikumi.memory.indexed",
		metric.WithDescription("Documents indexed from completed plans"),
	)
	if err != nil {
		w.logger.Warn("memory indexer: register metrics", "error", err)
		return
	}
	reg, err := w.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depth, int64(len(w.queue)))
		o.ObserveInt64(indexed, w.indexed.Load())
		return nil
	}, depth, indexed)
	if err != nil {
		w.logger.Warn("memory indexer: register metrics", "error", err)
		return
	}
	w.metricsReg = reg
}
