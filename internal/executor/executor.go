// Package executor runs plan steps strictly in order against registered
// tools, retrying in place and checkpointing a PartialResult after every
// successful step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/model"
)

var (
	ErrToolNotFound   = failure.Sentinel(model.FailureAgent, "executor: tool not found")
	ErrToolPanicked   = failure.Sentinel(model.FailureAgent, "executor: tool panicked")
	ErrNotRecoverable = errors.New("executor: partial result is not recoverable")
	ErrStepMismatch   = failure.Sentinel(model.FailureUser, "executor: checkpoint does not match steps")
)

var tracer = otel.Tracer("shikumi/executor")

// Hooks let the caller interleave routing, approval and budget checks with
// execution. Any hook error stops the run without retry.
type Hooks struct {
	// BeforeStep runs once per step before its first attempt. The returned
	// func, if any, runs when the step finishes either way.
	BeforeStep func(ctx context.Context, step model.PlanStep) (done func(), err error)
	// BeforeAttempt runs before every tool call.
	BeforeAttempt func(ctx context.Context, step model.PlanStep, attempt int) error
	// AfterStep runs after a step succeeds and is checkpointed. elapsed
	// spans every attempt of the step.
	AfterStep func(ctx context.Context, step model.PlanStep, result any, attempt int, elapsed time.Duration)
	// OnStepError runs after every failed tool call.
	OnStepError func(ctx context.Context, step model.PlanStep, attempt int, err error, mode model.FailureMode, d failure.Decision, elapsed time.Duration)
}

// Result is the outcome of a successful run.
type Result struct {
	RunID    string               `json:"run_id"`
	TraceID  string               `json:"trace_id"`
	Outputs  map[string]any       `json:"outputs"`
	Attempts map[string]int       `json:"attempts"`
	Skipped  []string             `json:"skipped,omitempty"`
	Partial  *model.PartialResult `json:"partial_result"`
	Duration time.Duration        `json:"duration"`
}

// Option configures one run.
type Option func(*runConfig)

type runConfig struct {
	runID string
	hooks Hooks
}

// WithRunID names the run; checkpoints are saved under it.
func WithRunID(id string) Option {
	return func(c *runConfig) { c.runID = id }
}

// WithHooks installs per-run hooks.
func WithHooks(h Hooks) Option {
	return func(c *runConfig) { c.hooks = h }
}

// Config tunes the executor.
type Config struct {
	Retry failure.RetryPolicy
	// StepTimeout bounds each tool call. Zero means no per-call bound.
	StepTimeout time.Duration
}

// WorkerExecutor is safe for concurrent use; each run owns its own
// PartialResult.
type WorkerExecutor struct {
	registry     *Registry
	checkpointer Checkpointer
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// New creates an executor. A nil checkpointer disables persistence.
func New(registry *Registry, checkpointer Checkpointer, cfg Config, logger *slog.Logger) *WorkerExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if checkpointer == nil {
		checkpointer = noopCheckpointer{}
	}
	return &WorkerExecutor{
		registry:     registry,
		checkpointer: checkpointer,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Registry returns the tool registry.
func (e *WorkerExecutor) Registry() *Registry { return e.registry }

// Checkpointer returns the configured checkpointer.
func (e *WorkerExecutor) Checkpointer() Checkpointer { return e.checkpointer }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs steps in order. When partial is non-nil, steps already in
// its CompletedSteps are skipped. The caller's partial is never mutated;
// the returned Result or *failure.Error carries the updated copy.
func (e *WorkerExecutor) Execute(ctx context.Context, steps []model.PlanStep, ec model.ExecutionContext, partial *model.PartialResult, opts ...Option) (*Result, error) {
	var rc runConfig
	for _, o := range opts {
		o(&rc)
	}
	if ec.TraceID() == "" {
		return nil, model.ErrMissingTraceID
	}

	if partial == nil {
		partial = model.NewPartialResult(ec.TraceID(), len(steps))
	} else {
		partial = partial.Clone()
		if partial.TotalSteps != len(steps) {
			fe := failure.New(fmt.Errorf("%w: checkpoint has %d steps, run has %d", ErrStepMismatch, partial.TotalSteps, len(steps)), "", partial)
			return nil, fe
		}
		if partial.TraceID == "" {
			partial.TraceID = ec.TraceID()
		}
	}
	runID := rc.runID
	if runID == "" {
		runID = partial.RunID
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	partial.RunID = runID

	ctx, span := tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("shikumi.trace_id", ec.TraceID()),
		attribute.String("shikumi.run_id", runID),
		attribute.Int("shikumi.steps", len(steps)),
	))
	defer span.End()

	r := &run{
		e:       e,
		hooks:   rc.hooks,
		ec:      ec,
		partial: partial,
		result: &Result{
			RunID:    runID,
			TraceID:  ec.TraceID(),
			Outputs:  map[string]any{},
			Attempts: map[string]int{},
		},
		started: e.now(),
	}
	maps.Copy(r.result.Outputs, partial.StepResults)

	if err := r.execute(ctx, steps); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.result.Partial = partial.Clone()
	r.result.Duration = e.now().Sub(r.started)
	e.logger.Info("executor: run completed",
		"trace_id", ec.TraceID(), "run_id", runID, "steps", len(steps), "skipped", len(r.result.Skipped))
	return r.result, nil
}

// ExecuteFromPartial resumes a recorded run. The partial must be
// recoverable; its failure point is cleared and the run continues under
// the partial's trace ID.
func (e *WorkerExecutor) ExecuteFromPartial(ctx context.Context, steps []model.PlanStep, partial *model.PartialResult, ec model.ExecutionContext, opts ...Option) (*Result, error) {
	if partial == nil {
		return nil, fmt.Errorf("executor: resume: partial result is required")
	}
	if !partial.IsRecoverable() {
		fe := failure.New(fmt.Errorf("%w: failure mode %s", ErrNotRecoverable, partial.FailureMode), partial.FailureMode, partial.Clone())
		if partial.FailurePoint != nil {
			fe.Step = *partial.FailurePoint
		}
		return nil, fe
	}
	resumed := partial.Clone()
	resumed.ClearFailure()
	if ec.IsZero() {
		var err error
		ec, err = model.NewExecutionContext(resumed.TraceID, "")
		if err != nil {
			return nil, fmt.Errorf("executor: resume: %w", err)
		}
	}
	ec = ec.Resumed(resumed.TraceID)

	e.logger.Info("executor: resuming run",
		"trace_id", ec.TraceID(), "run_id", resumed.RunID,
		"completed", len(resumed.CompletedSteps), "total", resumed.TotalSteps)
	return e.Execute(ctx, steps, ec, resumed, opts...)
}

type run struct {
	e       *WorkerExecutor
	hooks   Hooks
	ec      model.ExecutionContext
	partial *model.PartialResult
	result  *Result
	started time.Time
}

func (r *run) execute(ctx context.Context, steps []model.PlanStep) error {
	for i, step := range steps {
		if step.ID == "" {
			step.ID = model.StepID(i, step.Tool)
		}
		if r.partial.IsCompleted(step.ID) {
			r.result.Skipped = append(r.result.Skipped, step.ID)
			r.e.logger.Debug("executor: skipping completed step", "trace_id", r.ec.TraceID(), "step", step.ID)
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, step, err, 0)
		}

		tool, ok := r.e.registry.Get(step.Tool)
		if !ok {
			return r.fail(ctx, step, fmt.Errorf("%w: %s", ErrToolNotFound, step.Tool), 0)
		}

		var done func()
		if r.hooks.BeforeStep != nil {
			d, err := r.hooks.BeforeStep(ctx, step)
			if err != nil {
				return r.fail(ctx, step, err, 0)
			}
			done = d
		}

		stepStart := r.e.now()
		out, attempts, err := r.runStep(ctx, tool, step)
		if done != nil {
			done()
		}
		r.result.Attempts[step.ID] = attempts
		if err != nil {
			return r.fail(ctx, step, err, attempts)
		}

		r.partial.AddCompletedStep(step.ID, out, r.e.now())
		r.result.Outputs[step.ID] = out
		r.checkpoint(ctx)
		if r.hooks.AfterStep != nil {
			r.hooks.AfterStep(ctx, step, out, attempts, r.e.now().Sub(stepStart))
		}
	}
	return nil
}

// runStep calls the tool until it succeeds or the retry policy gives up.
func (r *run) runStep(ctx context.Context, tool Tool, step model.PlanStep) (any, int, error) {
	for attempt := 1; ; attempt++ {
		if r.hooks.BeforeAttempt != nil {
			if err := r.hooks.BeforeAttempt(ctx, step, attempt); err != nil {
				return nil, attempt - 1, err
			}
		}

		start := r.e.now()
		out, err := r.call(ctx, tool, step, attempt)
		elapsed := r.e.now().Sub(start)
		if err == nil {
			return out, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, fmt.Errorf("%w: %v", ctx.Err(), err)
		}

		mode := failure.Classify(err)
		d := r.e.cfg.Retry.Decide(mode, attempt)
		if r.hooks.OnStepError != nil {
			r.hooks.OnStepError(ctx, step, attempt, err, mode, d, elapsed)
		}
		r.e.logger.Warn("executor: step attempt failed",
			"trace_id", r.ec.TraceID(), "step", step.ID, "attempt", attempt,
			"failure_mode", mode, "retry", d.Retry, "delay", d.Delay, "error", err)
		if !d.Retry {
			return nil, attempt, err
		}
		if err := r.e.sleep(ctx, d.Delay); err != nil {
			return nil, attempt, err
		}
	}
}

func (r *run) call(ctx context.Context, tool Tool, step model.PlanStep, attempt int) (out any, err error) {
	ctx, span := tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.String("shikumi.step", step.ID),
		attribute.String("shikumi.tool", step.Tool),
		attribute.String("shikumi.worker", step.AssignedWorker),
		attribute.Int("shikumi.attempt", attempt),
	))
	defer span.End()

	if r.e.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.e.cfg.StepTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("%w: %s: %v", ErrToolPanicked, step.Tool, p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return tool.Execute(ctx, maps.Clone(step.Input), r.ec)
}

func (r *run) fail(ctx context.Context, step model.PlanStep, cause error, attempts int) error {
	mode := failure.Classify(cause)
	r.partial.MarkFailed(step.ID, mode, cause.Error())
	r.checkpoint(ctx)

	fe := failure.New(cause, mode, r.partial.Clone())
	fe.Step = step.ID
	fe.TraceID = r.ec.TraceID()
	fe.Attempts = attempts
	r.e.logger.Error("executor: run stopped",
		"trace_id", r.ec.TraceID(), "run_id", r.partial.RunID, "step", step.ID,
		"failure_mode", mode, "recovery", fe.Recovery, "attempts", attempts,
		"completion_ratio", r.partial.CompletionRatio(), "error", cause)
	return fe
}

// checkpoint saves a copy of the partial. A failed save is logged; the
// completed work stays in memory and is still returned to the caller.
func (r *run) checkpoint(ctx context.Context) {
	if err := r.e.checkpointer.Save(context.WithoutCancel(ctx), r.partial.RunID, r.partial.Clone()); err != nil {
		r.e.logger.Error("executor: checkpoint failed",
			"trace_id", r.ec.TraceID(), "run_id", r.partial.RunID, "error", err)
	}
}
