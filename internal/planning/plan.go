package planning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/model"
)

// Stage is a plan lifecycle stage.
type Stage string

const (
	StageCreated   Stage = "CREATED"
	StageRouted    Stage = "ROUTED"
	StageExecuting Stage = "EXECUTING"
	StageCompleted Stage = "COMPLETED"
	StageFailed    Stage = "FAILED"
	StageCancelled Stage = "CANCELLED"
)

var transitions = map[Stage][]Stage{
	StageCreated:   {StageRouted, StageFailed, StageCancelled},
	StageRouted:    {StageExecuting, StageFailed, StageCancelled},
	StageExecuting: {StageCompleted, StageFailed, StageCancelled},
}

// Terminal reports whether s accepts no further transitions.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Next returns the stages reachable from s.
func (s Stage) Next() []Stage {
	return append([]Stage(nil), transitions[s]...)
}

// ErrInvalidTransition is wrapped by every rejected stage change.
var ErrInvalidTransition = errors.New("planning: invalid stage transition")

// TransitionError describes a rejected stage change.
type TransitionError struct {
	PlanID string
	From   Stage
	To     Stage
	Valid  []Stage
}

func (e *TransitionError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("planning: plan %s: cannot transition %s -> %s: %s is terminal", e.PlanID, e.From, e.To, e.From)
	}
	valid := make([]string, len(e.Valid))
	for i, s := range e.Valid {
		valid[i] = string(s)
	}
	return fmt.Sprintf("planning: plan %s: cannot transition %s -> %s (valid: %s)",
		e.PlanID, e.From, e.To, strings.Join(valid, ", "))
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Timestamps records when the plan crossed each edge.
type Timestamps struct {
	CreatedAt   time.Time  `json:"created_at"`
	RoutedAt    *time.Time `json:"routed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Plan is an ordered set of steps toward one goal. Safe for concurrent use;
// stage changes go through TransitionTo.
type Plan struct {
	ID           string
	Goal         string
	TraceID      string
	Profile      string
	Budget       *budget.ToolBudget
	Alternatives []string

	now func() time.Time

	mu            sync.Mutex
	stage         Stage
	steps         []model.PlanStep
	ts            Timestamps
	failureMode   model.FailureMode
	failureReason string
}

func newPlan(id, goal string, ec model.ExecutionContext, b *budget.ToolBudget, steps []model.PlanStep, alternatives []string, now func() time.Time) *Plan {
	return &Plan{
		ID:           id,
		Goal:         goal,
		TraceID:      ec.TraceID(),
		Profile:      ec.Profile(),
		Budget:       b,
		Alternatives: alternatives,
		now:          now,
		stage:        StageCreated,
		steps:        steps,
		ts:           Timestamps{CreatedAt: now().UTC()},
	}
}

// Stage returns the current stage.
func (p *Plan) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Steps returns a copy of the steps.
func (p *Plan) Steps() []model.PlanStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.PlanStep, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.Clone()
	}
	return out
}

// Step returns a copy of step i.
func (p *Plan) Step(i int) (model.PlanStep, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.steps) {
		return model.PlanStep{}, false
	}
	return p.steps[i].Clone(), true
}

// StepIDs returns the step identifiers in order.
func (p *Plan) StepIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.steps))
	for i, s := range p.steps {
		ids[i] = s.ID
	}
	return ids
}

// Timestamps returns the stage timestamps.
func (p *Plan) Timestamps() Timestamps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ts
}

// FailureMode is set once the plan has failed.
func (p *Plan) FailureMode() model.FailureMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failureMode
}

// FailureReason is set once the plan has failed or been cancelled.
func (p *Plan) FailureReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failureReason
}

// TransitionTo moves the plan to stage. Repeating the current stage is a
// no-op; any edge outside the lifecycle graph returns *TransitionError.
func (p *Plan) TransitionTo(stage Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitionLocked(stage)
}

func (p *Plan) transitionLocked(to Stage) error {
	if to == p.stage {
		return nil
	}
	valid := transitions[p.stage]
	allowed := false
	for _, s := range valid {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &TransitionError{PlanID: p.ID, From: p.stage, To: to, Valid: append([]Stage(nil), valid...)}
	}

	now := p.now().UTC()
	switch to {
	case StageRouted:
		p.ts.RoutedAt = &now
	case StageExecuting:
		p.ts.StartedAt = &now
	case StageCompleted, StageFailed, StageCancelled:
		p.ts.CompletedAt = &now
	}
	p.stage = to
	return nil
}

// Fail moves the plan to FAILED and stores the failure. A plan that has
// already failed keeps its first failure.
func (p *Plan) Fail(mode model.FailureMode, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage == StageFailed {
		return nil
	}
	if err := p.transitionLocked(StageFailed); err != nil {
		return err
	}
	p.failureMode = mode
	p.failureReason = reason
	return nil
}

// Cancel moves the plan to CANCELLED.
func (p *Plan) Cancel(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stage == StageCancelled {
		return nil
	}
	if err := p.transitionLocked(StageCancelled); err != nil {
		return err
	}
	p.failureMode = model.FailureTerminalUser
	p.failureReason = reason
	return nil
}

// AssignWorker records the worker chosen for step i.
func (p *Plan) AssignWorker(i int, workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.steps) {
		return fmt.Errorf("planning: plan %s: step %d out of range", p.ID, i)
	}
	if p.stage.Terminal() {
		return &TransitionError{PlanID: p.ID, From: p.stage, To: p.stage}
	}
	p.steps[i].AssignedWorker = workerID
	return nil
}

// Estimate sums the step estimates, counting one call per step.
func (p *Plan) Estimate() budget.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return estimate(p.steps)
}

func estimate(steps []model.PlanStep) budget.Usage {
	var u budget.Usage
	for _, s := range steps {
		u.Cost += s.EstimatedCost
		u.Tokens += s.EstimatedTokens
		u.Calls++
	}
	return u
}

type planJSON struct {
	ID            string            `json:"plan_id"`
	Goal          string            `json:"goal"`
	TraceID       string            `json:"trace_id"`
	Profile       string            `json:"profile,omitempty"`
	Stage         Stage             `json:"stage"`
	Steps         []model.PlanStep  `json:"steps"`
	Alternatives  []string          `json:"alternatives,omitempty"`
	Timestamps    Timestamps        `json:"timestamps"`
	FailureMode   model.FailureMode `json:"failure_mode,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Budget        any               `json:"budget,omitempty"`
}

// MarshalJSON renders a consistent snapshot of the plan.
func (p *Plan) MarshalJSON() ([]byte, error) {
	p.mu.Lock()
	v := planJSON{
		ID:            p.ID,
		Goal:          p.Goal,
		TraceID:       p.TraceID,
		Profile:       p.Profile,
		Stage:         p.stage,
		Steps:         make([]model.PlanStep, len(p.steps)),
		Alternatives:  p.Alternatives,
		Timestamps:    p.ts,
		FailureMode:   p.failureMode,
		FailureReason: p.failureReason,
	}
	for i, s := range p.steps {
		v.Steps[i] = s.Clone()
	}
	p.mu.Unlock()

	if p.Budget != nil {
		v.Budget = p.Budget.Snapshot()
	}
	return json.Marshal(v)
}
