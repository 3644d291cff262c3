// Package routing selects the worker that executes each plan step.
//
// All selection goes through Authority, which owns the shared policy
// instances (so the round-robin counter is shared across requests), tracks
// in-flight load, and records every decision in the audit trail with the
// alternatives it considered.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/model"
)

var (
	// ErrNoCandidates means there is nothing to route to.
	ErrNoCandidates = failure.Sentinel(model.FailureResource, "routing: no candidate workers")
	// ErrNoCapableWorker means no candidate declares the step's capabilities.
	ErrNoCapableWorker = failure.Sentinel(model.FailureAgent, "routing: no capable worker")
)

// Recorder receives routing decisions. *audit.Trail satisfies it.
type Recorder interface {
	RecordRoutingDecision(ctx context.Context, d model.RoutingDecision) error
}

// Authority is safe for concurrent use.
type Authority struct {
	policies    map[PolicyKind]Policy
	defaultKind PolicyKind
	loads       *LoadTracker
	recorder    Recorder
	logger      *slog.Logger
}

// NewAuthority creates an Authority whose default policy is defaultKind.
// A nil recorder disables audit writes (tests only).
func NewAuthority(defaultKind PolicyKind, recorder Recorder, logger *slog.Logger) (*Authority, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authority{
		policies:    map[PolicyKind]Policy{},
		defaultKind: defaultKind,
		loads:       NewLoadTracker(),
		recorder:    recorder,
		logger:      logger,
	}
	for _, k := range []PolicyKind{KindRoundRobin, KindCapabilityBased, KindLoadBalanced} {
		p, err := PolicyFor(k)
		if err != nil {
			return nil, err
		}
		a.policies[k] = p
	}
	if _, ok := a.policies[defaultKind]; !ok {
		return nil, fmt.Errorf("routing: unknown default policy %q", defaultKind)
	}
	return a, nil
}

// Loads exposes the in-flight tracker so executors can hold a slot while a
// step runs.
func (a *Authority) Loads() *LoadTracker { return a.loads }

// DefaultPolicy returns the policy used when SelectWorker gets an empty kind.
func (a *Authority) DefaultPolicy() PolicyKind { return a.defaultKind }

// SelectWorker chooses a worker for step among candidates using kind (or
// the default), records the decision, and returns it. The caller's step is
// not modified; use the returned WorkerID to assign it.
func (a *Authority) SelectWorker(ctx context.Context, traceID string, step model.PlanStep, candidates []model.Worker, kind PolicyKind) (model.RoutingDecision, error) {
	if kind == "" {
		kind = a.defaultKind
	}
	policy, ok := a.policies[kind]
	if !ok {
		return model.RoutingDecision{}, fmt.Errorf("routing: unknown policy %q", kind)
	}
	if len(candidates) == 0 {
		return model.RoutingDecision{}, fmt.Errorf("%w for step %s", ErrNoCandidates, step.ID)
	}

	sel, err := policy.selectWorker(step, candidates, a.loads)
	if err != nil {
		return model.RoutingDecision{}, err
	}

	alternatives := make([]string, 0, len(candidates)-1)
	for _, c := range candidates {
		if c.ID != sel.worker.ID && !slices.Contains(alternatives, c.ID) {
			alternatives = append(alternatives, c.ID)
		}
	}
	decision := model.RoutingDecision{
		WorkerID:               sel.worker.ID,
		PolicyName:             string(kind),
		AlternativesConsidered: alternatives,
		Reasoning:              sel.reasoning,
		TraceID:                traceID,
		StepID:                 step.ID,
		StepIndex:              step.Index,
	}

	if a.recorder != nil {
		if err := a.recorder.RecordRoutingDecision(ctx, decision); err != nil {
			return model.RoutingDecision{}, fmt.Errorf("routing: record decision: %w", err)
		}
	}
	a.logger.Debug("routing: worker selected",
		"trace_id", traceID, "step", step.ID, "worker_id", decision.WorkerID, "policy", kind)
	return decision, nil
}
