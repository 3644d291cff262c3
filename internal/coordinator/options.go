package coordinator

import (
	"slices"
	"time"

	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/planning"
	"github.com/ashita-ai/shikumi/internal/routing"
)

// Option configures one Orchestrate or Resume call.
type Option func(*runOptions)

type runOptions struct {
	budget          *budget.ToolBudget
	steps           []planning.StepRequest
	routingPolicy   routing.PolicyKind
	approvalTimeout time.Duration
	runID           string
	candidates      []model.Worker
	skipMemory      bool
}

func (c *Coordinator) options(opts []Option) runOptions {
	o := runOptions{routingPolicy: c.cfg.RoutingPolicy}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithBudget replaces the configured limits with b for this call.
func WithBudget(b *budget.ToolBudget) Option {
	return func(o *runOptions) { o.budget = b }
}

// WithSteps names the tools to run in order instead of ranking the catalog.
func WithSteps(steps ...planning.StepRequest) Option {
	return func(o *runOptions) { o.steps = slices.Clone(steps) }
}

// WithRoutingPolicy overrides the routing policy.
func WithRoutingPolicy(kind routing.PolicyKind) Option {
	return func(o *runOptions) {
		if kind != "" {
			o.routingPolicy = kind
		}
	}
}

// WithApprovalTimeout overrides how long a risky step waits for a decision.
func WithApprovalTimeout(d time.Duration) Option {
	return func(o *runOptions) { o.approvalTimeout = d }
}

// WithRunID names the run; checkpoints are saved under it.
func WithRunID(id string) Option {
	return func(o *runOptions) { o.runID = id }
}

// WithCandidates routes among workers instead of the pool.
func WithCandidates(workers ...model.Worker) Option {
	return func(o *runOptions) { o.candidates = slices.Clone(workers) }
}

// WithoutMemory plans without memory enrichment.
func WithoutMemory() Option {
	return func(o *runOptions) { o.skipMemory = true }
}
