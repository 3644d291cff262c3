package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shikumi/internal/model"
)

// OTELSink records events as OTEL metrics and as span events on the active
// span.
type OTELSink struct {
	events   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewOTELSink creates the instruments on the global meter provider.
func NewOTELSink() (*OTELSink, error) {
	meter := Meter("shikumi/events")
	events, err := meter.Int64Counter("shikumi.events",
		metric.WithDescription("Orchestration events by type and status"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create events counter: %w", err)
	}
	duration, err := meter.Float64Histogram("shikumi.event.duration",
		metric.WithDescription("Duration carried by timed events"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create duration histogram: %w", err)
	}
	return &OTELSink{events: events, duration: duration}, nil
}

// Consume implements Sink.
func (s *OTELSink) Consume(ctx context.Context, e model.Event) error {
	attrs := metric.WithAttributes(
		attribute.String("event_type", string(e.EventType)),
		attribute.String("status", e.Status),
	)
	s.events.Add(ctx, 1, attrs)
	if e.DurationMs != nil {
		s.duration.Record(ctx, float64(*e.DurationMs), attrs)
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		kv := []attribute.KeyValue{
			attribute.String("shikumi.trace_id", e.TraceID),
			attribute.String("shikumi.status", e.Status),
		}
		for k, v := range e.Attributes {
			kv = append(kv, attribute.String("shikumi."+k, fmt.Sprint(v)))
		}
		span.AddEvent(string(e.EventType), trace.WithAttributes(kv...), trace.WithTimestamp(e.Timestamp))
	}
	return nil
}
