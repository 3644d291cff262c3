// Package coordinator runs one goal through the whole kernel.
//
// Both the HTTP API and the MCP server delegate to the Coordinator: it
// plans, routes each step, gates risky steps on approval, reserves budget
// before every tool call, and executes with retry. Failures always come
// back as *failure.Error carrying the partial result accumulated so far.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shikumi/internal/approval"
	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/executor"
	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/planning"
	"github.com/ashita-ai/shikumi/internal/policy"
	"github.com/ashita-ai/shikumi/internal/routing"
	"github.com/ashita-ai/shikumi/internal/telemetry"
)

var (
	// ErrPlanRejected means ValidatePlan refused the plan.
	ErrPlanRejected = failure.Sentinel(model.FailurePolicy, "coordinator: plan rejected")
	// ErrStepBlocked means the risk evaluator blocked a step outright.
	ErrStepBlocked = failure.Sentinel(model.FailurePolicy, "coordinator: step blocked by policy")
	// ErrNoPartial means Resume was called without a checkpoint.
	ErrNoPartial = failure.Sentinel(model.FailureUser, "coordinator: partial result is required")
)

var tracer = otel.Tracer("shikumi/coordinator")

// Recorder receives plan outcomes. *audit.Trail satisfies it.
type Recorder interface {
	RecordPlanOutcome(ctx context.Context, traceID, planID, stage, reason string, meta map[string]any) error
}

// Deps are the collaborators a Coordinator owns. Planner, Router,
// Executor and Catalog are required.
type Deps struct {
	Planner  *planning.Authority
	Router   *routing.Authority
	Executor *executor.WorkerExecutor
	Catalog  *planning.Catalog
	// Gate may be nil; steps that need approval are then rejected.
	Gate *approval.Gate
	// Evaluator defaults to a StaticEvaluator at the gate's threshold.
	Evaluator policy.Evaluator
	// Pool defaults to the catalog's workers.
	Pool     *routing.Pool
	Recorder Recorder
	Emitter  *telemetry.Emitter
	Logger   *slog.Logger
}

// Config holds per-plan defaults.
type Config struct {
	Limits       budget.Limits
	DomainLimits map[string]budget.Limits
	ToolLimits   map[string]budget.Limits
	// WarnRatio is the utilization that raises budget_warning. Zero means 0.8.
	WarnRatio       float64
	RoutingPolicy   routing.PolicyKind
	ApprovalTimeout time.Duration
}

// Coordinator is safe for concurrent use; every call owns its plan,
// budget and partial result.
type Coordinator struct {
	planner   *planning.Authority
	router    *routing.Authority
	executor  *executor.WorkerExecutor
	catalog   *planning.Catalog
	gate      *approval.Gate
	evaluator policy.Evaluator
	pool      *routing.Pool
	recorder  Recorder
	emitter   *telemetry.Emitter
	cfg       Config
	logger    *slog.Logger

	duration metric.Float64Histogram
}

// New creates a Coordinator.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	switch {
	case deps.Planner == nil:
		return nil, errors.New("coordinator: planner is required")
	case deps.Router == nil:
		return nil, errors.New("coordinator: router is required")
	case deps.Executor == nil:
		return nil, errors.New("coordinator: executor is required")
	case deps.Catalog == nil:
		return nil, errors.New("coordinator: catalog is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := deps.Evaluator
	if evaluator == nil {
		floor := approval.DefaultPolicy().MinRisk
		if deps.Gate != nil {
			floor = deps.Gate.Policy().MinRisk
		}
		evaluator = policy.StaticEvaluator{MinRisk: floor}
	}
	pool := deps.Pool
	if pool == nil {
		pool = routing.NewPool(deps.Catalog.Workers()...)
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = telemetry.NewEmitter(logger)
	}
	if cfg.RoutingPolicy == "" {
		cfg.RoutingPolicy = deps.Router.DefaultPolicy()
	}

	dur, _ := telemetry.Meter("shikumi/coordinator").Float64Histogram("shikumi.orchestration.duration",
		metric.WithDescription("Time to run one plan end to end (ms)"),
		metric.WithUnit("ms"),
	)
	return &Coordinator{
		planner:   deps.Planner,
		router:    deps.Router,
		executor:  deps.Executor,
		catalog:   deps.Catalog,
		gate:      deps.Gate,
		evaluator: evaluator,
		pool:      pool,
		recorder:  deps.Recorder,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
		duration:  dur,
	}, nil
}

// Catalog returns the tool catalog plans are built from.
func (c *Coordinator) Catalog() *planning.Catalog { return c.catalog }

// Gate returns the approval gate, or nil.
func (c *Coordinator) Gate() *approval.Gate { return c.gate }

// NewBudget builds a budget from the configured limits.
func (c *Coordinator) NewBudget() *budget.ToolBudget {
	b := budget.NewToolBudget(c.cfg.Limits)
	for d, l := range c.cfg.DomainLimits {
		b.WithDomainLimit(d, l)
	}
	for t, l := range c.cfg.ToolLimits {
		b.WithToolLimit(t, l)
	}
	return b
}

// Outcome is everything one orchestration produced. On failure it is
// returned alongside the error with whatever was reached.
type Outcome struct {
	Plan      *planning.Plan          `json:"plan,omitempty"`
	Result    *executor.Result        `json:"result,omitempty"`
	Routing   []model.RoutingDecision `json:"routing"`
	Approvals []approval.Response     `json:"approvals,omitempty"`
	Budget    []budget.ScopeSnapshot  `json:"budget"`
	Partial   *model.PartialResult    `json:"partial_result"`
	Stage     planning.Stage          `json:"stage"`
	Duration  time.Duration           `json:"duration"`
}

// Orchestrate plans goal and runs it to completion.
func (c *Coordinator) Orchestrate(ctx context.Context, goal string, ec model.ExecutionContext, opts ...Option) (*Outcome, error) {
	o := c.options(opts)
	if ec.IsZero() {
		var err error
		if ec, err = model.NewExecutionContext(model.NewTraceID(), ""); err != nil {
			return nil, c.wrap(err, model.NewPartialResult("", 0))
		}
	}
	ctx, span := tracer.Start(ctx, "coordinator.orchestrate", trace.WithAttributes(
		attribute.String("shikumi.trace_id", ec.TraceID()),
		attribute.String("shikumi.profile", ec.Profile()),
	))
	defer span.End()

	out, err := c.orchestrate(ctx, goal, ec, nil, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// Resume rebuilds the plan for goal without memory enrichment and
// continues from partial. Completed steps are neither routed nor run
// again, and the run keeps the partial's trace ID.
func (c *Coordinator) Resume(ctx context.Context, goal string, partial *model.PartialResult, ec model.ExecutionContext, opts ...Option) (*Outcome, error) {
	if partial == nil {
		return nil, c.wrap(ErrNoPartial, model.NewPartialResult(ec.TraceID(), 0))
	}
	if partial.TraceID == "" {
		return nil, c.wrap(fmt.Errorf("%w: partial result has no trace id", ErrNoPartial), partial.Clone())
	}
	if !partial.IsRecoverable() {
		fe := failure.New(fmt.Errorf("%w: failure mode %s", executor.ErrNotRecoverable, partial.FailureMode), partial.FailureMode, partial.Clone())
		if partial.FailurePoint != nil {
			fe.Step = *partial.FailurePoint
		}
		return nil, fe
	}
	o := c.options(opts)
	o.skipMemory = true
	if o.runID == "" {
		o.runID = partial.RunID
	}
	if ec.IsZero() {
		var err error
		if ec, err = model.NewExecutionContext(partial.TraceID, ""); err != nil {
			return nil, c.wrap(err, partial.Clone())
		}
	}
	ec = ec.Resumed(partial.TraceID)

	ctx, span := tracer.Start(ctx, "coordinator.resume", trace.WithAttributes(
		attribute.String("shikumi.trace_id", ec.TraceID()),
		attribute.Int("shikumi.completed_steps", len(partial.CompletedSteps)),
	))
	defer span.End()

	out, err := c.orchestrate(ctx, goal, ec, partial, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (c *Coordinator) orchestrate(ctx context.Context, goal string, ec model.ExecutionContext, partial *model.PartialResult, o runOptions) (*Outcome, error) {
	start := time.Now()
	defer func() {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	// 1. Budget.
	b := o.budget
	if b == nil {
		b = c.NewBudget()
	}
	enforcer := budget.NewEnforcer(b, c.cfg.WarnRatio)
	out := &Outcome{}

	// 2. Plan.
	plan, err := c.planner.CreatePlan(ctx, planning.Request{
		Goal:       goal,
		Trace:      ec,
		Budget:     b,
		Catalog:    c.catalog,
		Steps:      o.steps,
		SkipMemory: o.skipMemory,
	})
	if err != nil {
		p := partial
		if p == nil {
			p = model.NewPartialResult(ec.TraceID(), 0)
		}
		out.Partial = p.Clone()
		out.Budget = b.Snapshot()
		return out, c.wrap(err, out.Partial)
	}
	out.Plan = plan
	steps := plan.Steps()
	c.emit(ctx, model.Event{
		EventType: model.EventPlanCreated,
		TraceID:   ec.TraceID(),
		Attributes: map[string]any{
			"plan_id":      plan.ID,
			"goal":         plan.Goal,
			"steps":        plan.StepIDs(),
			"alternatives": plan.Alternatives,
			"resumed":      partial != nil,
		},
	})

	// 3. Validate.
	if ok, reason := c.planner.ValidatePlan(ctx, plan, c.catalog); !ok {
		p := partial
		if p == nil {
			p = model.NewPartialResult(ec.TraceID(), len(steps))
		}
		out.Partial = p.Clone()
		out.Budget = b.Snapshot()
		out.Stage = plan.Stage()
		c.emit(ctx, model.Event{
			EventType: model.EventPlanFailed,
			TraceID:   ec.TraceID(),
			Status:    model.StatusError,
			Attributes: map[string]any{
				"plan_id":      plan.ID,
				"failure_mode": string(model.FailurePolicy),
				"reason":       reason,
			},
		})
		fe := failure.New(fmt.Errorf("%w: %s", ErrPlanRejected, reason), model.FailurePolicy, out.Partial)
		fe.TraceID = ec.TraceID()
		return out, fe
	}

	// 4. Execute. A resume carries the spend of the attempts before it, so
	// one logical run stays inside its ceilings.
	if partial != nil && o.budget == nil {
		prior := budget.Usage(partial.Spent)
		if err := b.Charge(prior); err != nil {
			c.logger.Warn("coordinator: carry spend", "trace_id", ec.TraceID(), "error", err)
		}
	}
	r := &run{c: c, plan: plan, ec: ec, enforcer: enforcer, opts: o, out: out, workers: map[string]string{}}
	execOpts := []executor.Option{executor.WithHooks(r.hooks())}
	if o.runID != "" {
		execOpts = append(execOpts, executor.WithRunID(o.runID))
	}
	var res *executor.Result
	if partial != nil {
		res, err = c.executor.ExecuteFromPartial(ctx, steps, partial, ec, execOpts...)
	} else {
		res, err = c.executor.Execute(ctx, steps, ec, nil, execOpts...)
	}
	out.Budget = b.Snapshot()
	out.Duration = time.Since(start)

	// 5. Finalize.
	if err == nil {
		out.Result = res
		out.Partial = res.Partial
		out.Partial.Spent = c.spent(b, partial, o)
		c.complete(ctx, plan, out)
		return out, nil
	}
	fe := c.wrap(err, partial)
	if fe.Partial == nil {
		fe.Partial = model.NewPartialResult(ec.TraceID(), len(steps))
	}
	out.Partial = fe.Partial
	out.Partial.Spent = c.spent(b, partial, o)
	c.finishFailed(ctx, plan, fe, out)
	return out, fe
}

// spent is the run's spend to record on its partial result. A budget owned
// by this call already holds the prior spend; a caller-supplied budget does
// not, so the prior spend is added on top.
func (c *Coordinator) spent(b *budget.ToolBudget, partial *model.PartialResult, o runOptions) model.Spend {
	total := model.Spend(b.Spent())
	if partial != nil && o.budget != nil {
		total.Cost += partial.Spent.Cost
		total.Calls += partial.Spent.Calls
		total.Tokens += partial.Spent.Tokens
	}
	return total
}

// complete walks the plan forward to COMPLETED. A resume whose steps were
// all done already never passed through BeforeStep.
func (c *Coordinator) complete(ctx context.Context, plan *planning.Plan, out *Outcome) {
	for _, s := range []planning.Stage{planning.StageRouted, planning.StageExecuting, planning.StageCompleted} {
		if !slices.Contains(plan.Stage().Next(), s) {
			continue
		}
		if err := plan.TransitionTo(s); err != nil {
			c.logger.Warn("coordinator: transition", "plan_id", plan.ID, "stage", s, "error", err)
		}
	}
	out.Stage = plan.Stage()
	meta := map[string]any{
		"steps":    len(out.Partial.CompletedSteps),
		"skipped":  len(out.Result.Skipped),
		"duration": out.Duration.Milliseconds(),
	}
	c.emit(ctx, model.Event{
		EventType:  model.EventPlanCompleted,
		TraceID:    plan.TraceID,
		Attributes: map[string]any{
			"plan_id": plan.ID,
			"goal":    plan.Goal,
			"profile": plan.Profile,
			"tools":   toolNames(plan.Steps()),
			"steps":   meta["steps"],
			"skipped": meta["skipped"],
		},
	}.WithDuration(out.Duration))
	c.recordOutcome(ctx, plan, string(out.Stage), "all steps completed", meta)
	c.logger.Info("coordinator: plan completed",
		"trace_id", plan.TraceID, "plan_id", plan.ID, "steps", meta["steps"], "duration", out.Duration)
}

func toolNames(steps []model.PlanStep) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Tool
	}
	return names
}

func (c *Coordinator) finishFailed(ctx context.Context, plan *planning.Plan, fe *failure.Error, out *Outcome) {
	typ := model.EventPlanFailed
	var err error
	if fe.Mode == model.FailureTerminalUser || errors.Is(fe, context.Canceled) {
		typ = model.EventPlanCancelled
		err = plan.Cancel(fe.Reason)
	} else {
		err = plan.Fail(fe.Mode, fe.Reason)
	}
	if err != nil {
		c.logger.Warn("coordinator: finalize plan", "plan_id", plan.ID, "error", err)
	}
	out.Stage = plan.Stage()

	meta := map[string]any{
		"failure_mode":     string(fe.Mode),
		"recovery":         string(fe.Recovery),
		"step":             fe.Step,
		"attempts":         fe.Attempts,
		"completion_ratio": fe.Partial.CompletionRatio(),
	}
	c.emit(ctx, model.Event{
		EventType: typ,
		TraceID:   plan.TraceID,
		Status:    model.StatusError,
		Attributes: map[string]any{
			"plan_id":          plan.ID,
			"failure_mode":     string(fe.Mode),
			"recovery":         string(fe.Recovery),
			"step":             fe.Step,
			"completion_ratio": fe.Partial.CompletionRatio(),
		},
	}.WithDuration(out.Duration))
	c.recordOutcome(ctx, plan, string(out.Stage), fe.Reason, meta)
}

func (c *Coordinator) recordOutcome(ctx context.Context, plan *planning.Plan, stage, reason string, meta map[string]any) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordPlanOutcome(context.WithoutCancel(ctx), plan.TraceID, plan.ID, stage, reason, meta); err != nil {
		c.logger.Error("coordinator: record plan outcome", "trace_id", plan.TraceID, "plan_id", plan.ID, "error", err)
	}
}

// wrap returns err as a *failure.Error with a non-nil partial.
func (c *Coordinator) wrap(err error, partial *model.PartialResult) *failure.Error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		if fe.Partial == nil {
			fe.Partial = partial
		}
		return fe
	}
	if partial == nil {
		partial = model.NewPartialResult("", 0)
	}
	return failure.New(err, "", partial)
}

// emit never fails the request; the emitter already logs sink errors.
func (c *Coordinator) emit(ctx context.Context, e model.Event) {
	if err := c.emitter.Emit(ctx, e); err != nil {
		c.logger.Warn("coordinator: emit event", "event_type", e.EventType, "trace_id", e.TraceID, "error", err)
	}
}
