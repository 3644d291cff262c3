package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/shikumi/internal/approval"
	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/executor"
	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/planning"
	"github.com/ashita-ai/shikumi/internal/policy"
)

// ErrApprovalUnavailable means a step needs approval but no gate is configured.
var ErrApprovalUnavailable = failure.Sentinel(model.FailurePolicy, "coordinator: approval required but no gate configured")

// run is the state of one Orchestrate or Resume call. Hooks run on the
// executor's goroutine one at a time, so no locking is needed.
type run struct {
	c        *Coordinator
	plan     *planning.Plan
	ec       model.ExecutionContext
	enforcer *budget.Enforcer
	opts     runOptions
	out      *Outcome
	workers  map[string]string
}

func (r *run) hooks() executor.Hooks {
	return executor.Hooks{
		BeforeStep:    r.beforeStep,
		BeforeAttempt: r.beforeAttempt,
		AfterStep:     r.afterStep,
		OnStepError:   r.onStepError,
	}
}

func (r *run) event(t model.EventType, status string, attrs map[string]any) model.Event {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["plan_id"] = r.plan.ID
	return model.Event{EventType: t, TraceID: r.ec.TraceID(), Status: status, Attributes: attrs}
}

// beforeStep routes the step, gates it on risk, and holds the worker's
// in-flight slot until the step finishes.
func (r *run) beforeStep(ctx context.Context, step model.PlanStep) (func(), error) {
	c := r.c
	candidates := r.opts.candidates
	if candidates == nil {
		candidates = c.pool.Candidates()
	}
	d, err := c.router.SelectWorker(ctx, r.ec.TraceID(), step, candidates, r.opts.routingPolicy)
	if err != nil {
		return nil, err
	}
	if err := r.plan.AssignWorker(step.Index, d.WorkerID); err != nil {
		return nil, err
	}
	step.AssignedWorker = d.WorkerID
	r.workers[step.ID] = d.WorkerID
	r.out.Routing = append(r.out.Routing, d)
	c.emit(ctx, r.event(model.EventRouteDecision, model.StatusOK, map[string]any{
		"step":         step.ID,
		"worker_id":    d.WorkerID,
		"policy":       d.PolicyName,
		"alternatives": d.AlternativesConsidered,
		"reasoning":    d.Reasoning,
	}))
	if r.plan.Stage() == planning.StageCreated {
		if err := r.plan.TransitionTo(planning.StageRouted); err != nil {
			return nil, err
		}
	}

	if err := r.gate(ctx, step); err != nil {
		return nil, err
	}

	if r.plan.Stage() == planning.StageRouted {
		if err := r.plan.TransitionTo(planning.StageExecuting); err != nil {
			return nil, err
		}
	}
	return c.router.Loads().Acquire(d.WorkerID), nil
}

// gate evaluates the step's risk and waits for approval when required.
func (r *run) gate(ctx context.Context, step model.PlanStep) error {
	c := r.c
	a, err := c.evaluator.Evaluate(ctx, policy.InputFor(step, r.ec))
	if err != nil {
		c.logger.Warn("coordinator: risk evaluation failed, requiring approval",
			"trace_id", r.ec.TraceID(), "step", step.ID, "error", err)
		if a.Decision == "" {
			a = policy.Assessment{Risk: step.Risk, Decision: policy.DecisionRequireApproval, Reason: "risk evaluation failed"}
		}
	}
	if a.Risk == "" {
		a.Risk = model.RiskLow
	}

	switch a.Decision {
	case policy.DecisionBlock:
		return fmt.Errorf("%w: %s: %s", ErrStepBlocked, step.Tool, a.Reason)
	case policy.DecisionRequireApproval:
	default:
		return nil
	}
	if c.gate == nil {
		return fmt.Errorf("%w: %s (risk %s)", ErrApprovalUnavailable, step.Tool, a.Risk)
	}

	c.emit(ctx, r.event(model.EventApprovalRequested, model.StatusPending, map[string]any{
		"step":      step.ID,
		"operation": step.Tool,
		"risk":      string(a.Risk),
		"reason":    a.Reason,
	}))
	timeout := r.opts.approvalTimeout
	if timeout <= 0 {
		timeout = c.cfg.ApprovalTimeout
	}
	meta := map[string]any{
		"plan_id":   r.plan.ID,
		"step":      step.ID,
		"worker_id": step.AssignedWorker,
		"reason":    a.Reason,
	}
	if uid, ok := r.ec.UserID(); ok {
		meta["user_id"] = uid
	}
	started := time.Now()
	req, resp, err := c.gate.RequireApproval(ctx, step.Tool, r.ec.TraceID(), a.Risk, meta, timeout)
	if resp.Status != "" && resp.Status != approval.StatusPending {
		r.out.Approvals = append(r.out.Approvals, resp)
	}

	attrs := map[string]any{
		"step":       step.ID,
		"request_id": req.ID,
		"status":     string(resp.Status),
		"approver":   resp.Approver,
	}
	switch {
	case resp.Status == approval.StatusTimeout:
		c.emit(ctx, r.event(model.EventApprovalTimeout, model.StatusWarning, attrs).WithDuration(time.Since(started)))
	case resp.Status == approval.StatusApproved:
		c.emit(ctx, r.event(model.EventApprovalReceived, model.StatusOK, attrs).WithDuration(time.Since(started)))
	case resp.Status.Terminal():
		c.emit(ctx, r.event(model.EventApprovalReceived, model.StatusError, attrs).WithDuration(time.Since(started)))
	}
	return err
}

// beforeAttempt reserves one call's worth of budget for every attempt.
func (r *run) beforeAttempt(ctx context.Context, step model.PlanStep, attempt int) error {
	c := r.c
	res, err := r.enforcer.Reserve(budget.Reservation{
		Usage:  budget.Usage{Cost: step.EstimatedCost, Calls: 1, Tokens: step.EstimatedTokens},
		Domain: step.Domain,
		Tool:   step.Tool,
	})
	if err != nil {
		attrs := map[string]any{"step": step.ID, "attempt": attempt, "error": err.Error()}
		var ee *budget.ExceededError
		if errors.As(err, &ee) {
			attrs["dimension"] = string(ee.Dimension)
			attrs["scope"] = ee.Scope
			attrs["ceiling"] = ee.Ceiling
			attrs["spent"] = ee.Spent
			attrs["requested"] = ee.Requested
		}
		c.emit(ctx, r.event(model.EventBudgetExceeded, model.StatusError, attrs))
		return err
	}
	if res.Warning {
		c.emit(ctx, r.event(model.EventBudgetWarning, model.StatusWarning, map[string]any{
			"step":        step.ID,
			"utilization": res.Utilization,
		}))
	}
	c.emit(ctx, r.event(model.EventToolCallStart, model.StatusOK, map[string]any{
		"step":      step.ID,
		"tool":      step.Tool,
		"worker_id": r.workers[step.ID],
		"attempt":   attempt,
	}))
	return nil
}

func (r *run) afterStep(ctx context.Context, step model.PlanStep, _ any, attempts int, elapsed time.Duration) {
	r.c.emit(ctx, r.event(model.EventToolCallComplete, model.StatusOK, map[string]any{
		"step":      step.ID,
		"tool":      step.Tool,
		"worker_id": r.workers[step.ID],
		"attempts":  attempts,
	}).WithDuration(elapsed))
}

func (r *run) onStepError(ctx context.Context, step model.PlanStep, attempt int, err error, mode model.FailureMode, d failure.Decision, elapsed time.Duration) {
	r.c.emit(ctx, r.event(model.EventToolCallError, model.StatusError, map[string]any{
		"step":         step.ID,
		"tool":         step.Tool,
		"worker_id":    r.workers[step.ID],
		"attempt":      attempt,
		"failure_mode": string(mode),
		"retry":        d.Retry,
		"delay_ms":     d.Delay.Milliseconds(),
		"error":        err.Error(),
	}).WithDuration(elapsed))
}
