package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ashita-ai/shikumi/internal/model"
)

// ErrUnknownEventType is returned for event types outside the canonical set.
var ErrUnknownEventType = errors.New("telemetry: unknown event type")

// Sink receives validated events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Consume(ctx context.Context, e model.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e model.Event) error

// Consume implements Sink.
func (f SinkFunc) Consume(ctx context.Context, e model.Event) error { return f(ctx, e) }

// Emitter validates events and fans them out to sinks. Sink failures are
// logged and never returned to the caller.
type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an emitter over sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sinks: sinks, logger: logger, now: time.Now}
}

// Emit validates e, stamps its timestamp when unset, and delivers it.
func (em *Emitter) Emit(ctx context.Context, e model.Event) error {
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}
	if e.TraceID == "" {
		return fmt.Errorf("telemetry: emit %s: %w", e.EventType, model.ErrMissingTraceID)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = em.now().UTC()
	}
	if e.Status == "" {
		e.Status = model.StatusOK
	}
	e.Attributes = maps.Clone(e.Attributes)

	for _, s := range em.sinks {
		if err := s.Consume(ctx, e); err != nil {
			em.logger.Warn("telemetry: sink failed",
				"event_type", e.EventType, "trace_id", e.TraceID, "error", err)
		}
	}
	return nil
}

// LogSink writes each event as one structured log line.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Consume implements Sink.
func (s LogSink) Consume(ctx context.Context, e model.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("event_type", string(e.EventType)),
		slog.String("trace_id", e.TraceID),
		slog.String("status", e.Status),
		slog.Time("timestamp", e.Timestamp),
	}
	if e.DurationMs != nil {
		attrs = append(attrs, slog.Int64("duration_ms", *e.DurationMs))
	}
	if len(e.Attributes) > 0 {
		attrs = append(attrs, slog.Any("attributes", e.Attributes))
	}
	level := s.Level
	if e.Status == model.StatusError && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "event", attrs...)
	return nil
}

// MemorySink keeps events in memory, mainly for tests and the debug API.
type MemorySink struct {
	mu     sync.Mutex
	events []model.Event
}

// Consume implements Sink.
func (m *MemorySink) Consume(_ context.Context, e model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of every event received.
func (m *MemorySink) Events() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Event(nil), m.events...)
}

// Types returns the event types received, in order.
func (m *MemorySink) Types() []model.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.EventType
	}
	return out
}

// ForTrace returns the events of one trace.
func (m *MemorySink) ForTrace(traceID string) []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.events {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out
}
