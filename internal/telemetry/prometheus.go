package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/shikumi/internal/model"
)

// PrometheusSink counts events into a caller-supplied registry.
//
// Metrics:
//   - shikumi_events_total{event_type,status}
//   - shikumi_event_duration_seconds{event_type}
type PrometheusSink struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusSink registers the sink's collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shikumi_events_total",
				Help: "Total orchestration events by type and status",
			},
			[]string{"event_type", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shikumi_event_duration_seconds",
				Help:    "Duration carried by timed orchestration events",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"event_type"},
		),
	}
	for _, c := range []prometheus.Collector{s.events, s.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("telemetry: register prometheus collector: %w", err)
		}
	}
	// Pre-create series so every canonical type is visible at zero.
	for _, t := range model.EventTypes {
		s.events.WithLabelValues(string(t), model.StatusOK)
	}
	return s, nil
}

// Consume implements Sink.
func (s *PrometheusSink) Consume(_ context.Context, e model.Event) error {
	s.events.WithLabelValues(string(e.EventType), e.Status).Inc()
	if e.DurationMs != nil {
		s.duration.WithLabelValues(string(e.EventType)).Observe(float64(*e.DurationMs) / 1000)
	}
	return nil
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
