package shikumi

import (
	"context"
	"net/http"
)

// Tool runs one plan step in process. When registered via WithTool it
// replaces the HTTP worker the catalog would otherwise call. Implementations
// must be safe for concurrent use.
type Tool interface {
	Execute(ctx context.Context, inputs map[string]any, ec ExecutionContext) (any, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, inputs map[string]any, ec ExecutionContext) (any, error)

// Execute implements Tool.
func (f ToolFunc) Execute(ctx context.Context, inputs map[string]any, ec ExecutionContext) (any, error) {
	return f(ctx, inputs, ec)
}

// Searcher retrieves documents that enrich planning. When provided via
// WithSearcher, it replaces the Qdrant index configured by
// SHIKUMI_QDRANT_URL. Errors are logged and planning continues without
// enrichment.
type Searcher interface {
	Search(ctx context.Context, query, profile string, limit int) ([]ScoredDocument, error)
}

// EventSink receives every canonical observability event. Sinks are called
// synchronously on the request path; a slow sink slows every run. Errors
// are logged and never fail the run.
type EventSink interface {
	Consume(ctx context.Context, e Event) error
}

// PolicyEvaluator decides per step whether it runs freely, needs approval or
// is blocked. When provided via WithPolicyEvaluator, it replaces both the
// rego module from SHIKUMI_APPROVAL_POLICY_FILE and the built-in threshold.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in RiskInput) (RiskAssessment, error)
}

// Middleware wraps the root HTTP handler. Middlewares are applied outermost,
// so they see every request including /health. The first registered runs
// first.
type Middleware func(http.Handler) http.Handler
