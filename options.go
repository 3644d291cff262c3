package shikumi

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	catalogPath     string
	auditBackend    string
	logger          *slog.Logger
	version         string
	tools           map[string]Tool
	searcher        Searcher
	policyEvaluator PolicyEvaluator
	eventSinks      []EventSink
	middlewares     []Middleware
	registry        *prometheus.Registry
}

// WithPort overrides the TCP port from config (SHIKUMI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithCatalogPath overrides the YAML tool catalog from config
// (SHIKUMI_CATALOG_PATH env var).
func WithCatalogPath(path string) Option {
	return func(o *resolvedOptions) { o.catalogPath = path }
}

// WithAuditBackend overrides the audit backend from config
// (SHIKUMI_AUDIT_BACKEND env var): memory, file, sqlite or postgres.
func WithAuditBackend(name string) Option {
	return func(o *resolvedOptions) { o.auditBackend = name }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint,
// the MCP handshake and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTool runs the catalog tool name in process instead of posting to its
// endpoint. Every catalog tool without an endpoint must be registered this
// way. Registering the same name twice keeps the last Tool.
func WithTool(name string, t Tool) Option {
	return func(o *resolvedOptions) {
		if o.tools == nil {
			o.tools = make(map[string]Tool)
		}
		o.tools[name] = t
	}
}

// WithSearcher replaces the Qdrant index used to enrich planning.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithPolicyEvaluator replaces the configured risk policy. Only the last call
// wins.
func WithPolicyEvaluator(pe PolicyEvaluator) Option {
	return func(o *resolvedOptions) { o.policyEvaluator = pe }
}

// WithEventSink adds a sink that receives every observability event.
// Multiple sinks may be registered; they run in registration order after the
// built-in log, OTEL and Prometheus sinks.
func WithEventSink(sink EventSink) Option {
	return func(o *resolvedOptions) { o.eventSinks = append(o.eventSinks, sink) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is
// outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithPrometheusRegistry registers the event counters on reg and serves reg
// at /metrics. By default each App owns a fresh registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *resolvedOptions) { o.registry = reg }
}
