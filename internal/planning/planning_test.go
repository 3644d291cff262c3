package planning

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/memory"
	"github.com/ashita-ai/shikumi/internal/model"
)

const testCatalog = `
tools:
  - name: crm.search
    description: Search accounts and contacts in the CRM
    keywords: [accounts, contacts, search, find]
    capabilities: [crm]
    domain: crm
    estimated_cost: 0.5
    estimated_tokens: 200
    risk: low
  - name: crm.update
    description: Update account fields
    keywords: [update, accounts]
    capabilities: [crm, write]
    domain: crm
    estimated_cost: 1.0
    estimated_tokens: 100
    risk: high
  - name: report.render
    description: Render a summary report
    keywords: [report, summary]
    capabilities: [reporting]
    domain: reporting
    estimated_cost: 2.0
    estimated_tokens: 800
    default_input:
      format: pdf
  - name: mail.send
    description: Send an email
    keywords: [email, send]
    capabilities: [mail]
    risk: medium
workers:
  - id: worker-a
    capabilities: [crm, write]
  - id: worker-b
    capabilities: [reporting, mail]
`

type recorder struct {
	plans    []audit.PlanEntry
	steps    []model.PlanStep
	outcomes []string
}

func (r *recorder) RecordPlan(_ context.Context, e audit.PlanEntry) error {
	r.plans = append(r.plans, e)
	return nil
}

func (r *recorder) RecordPlanStep(_ context.Context, _, _ string, step model.PlanStep, _ string) error {
	r.steps = append(r.steps, step)
	return nil
}

func (r *recorder) RecordPlanOutcome(_ context.Context, _, _, stage, reason string, _ map[string]any) error {
	r.outcomes = append(r.outcomes, stage+": "+reason)
	return nil
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string, string, int) ([]memory.ScoredDocument, error) {
	return nil, errors.New("qdrant down")
}

func loadCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := ParseCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)
	return cat
}

func execCtx(t *testing.T) model.ExecutionContext {
	t.Helper()
	ec, err := model.NewExecutionContext(model.NewTraceID(), "sales")
	require.NoError(t, err)
	return ec
}

func toolNames(steps []model.PlanStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Tool
	}
	return out
}

func TestParseCatalog(t *testing.T) {
	cat := loadCatalog(t)
	assert.Equal(t, []string{"crm.search", "crm.update", "mail.send", "report.render"}, cat.Names())
	assert.Len(t, cat.Workers(), 2)

	spec, ok := cat.Get("report.render")
	require.True(t, ok)
	assert.Equal(t, model.RiskLow, spec.Risk, "empty risk defaults to low")
	assert.Equal(t, "pdf", spec.DefaultInput["format"])

	_, err := ParseCatalog(strings.NewReader("tools:\n  - name: a\n  - name: a\n"))
	assert.ErrorContains(t, err, "duplicate tool")

	_, err = ParseCatalog(strings.NewReader("tools:\n  - name: a\n    colour: red\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = ParseCatalog(strings.NewReader("tools:\n  - name: a\n    risk: extreme\n"))
	assert.Error(t, err)
}

func TestCreatePlan_DeterministicRanking(t *testing.T) {
	cat := loadCatalog(t)
	rec := &recorder{}
	a := NewAuthority(rec, nil, Config{MaxSteps: 2}, nil)
	ec := execCtx(t)

	req := Request{Goal: "Find accounts and update the accounts owner", Trace: ec, Catalog: cat}
	first, err := a.CreatePlan(context.Background(), req)
	require.NoError(t, err)

	for range 5 {
		again, err := a.CreatePlan(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Steps(), again.Steps())
		assert.Equal(t, first.Alternatives, again.Alternatives)
	}

	steps := first.Steps()
	assert.Equal(t, []string{"crm.search", "crm.update"}, toolNames(steps))
	assert.Equal(t, "0:crm.search", steps[0].ID)
	assert.Equal(t, "1:crm.update", steps[1].ID)
	assert.Equal(t, req.Goal, steps[0].Input["goal"])
	assert.Equal(t, model.RiskHigh, steps[1].Risk)
	assert.Equal(t, StageCreated, first.Stage())
	assert.Equal(t, ec.TraceID(), first.TraceID)

	require.NotEmpty(t, rec.plans)
	assert.Equal(t, req.Goal, rec.plans[0].Goal)
	assert.Equal(t, []string{"0:crm.search", "1:crm.update"}, rec.plans[0].Steps)
}

func TestCreatePlan_TieBreaksByName(t *testing.T) {
	cat, err := NewCatalog([]ToolSpec{
		{Name: "zeta", Keywords: []string{"sync"}, EstimatedCost: 1},
		{Name: "b.tool", Keywords: []string{"sync"}, EstimatedCost: 0.1},
		{Name: "a.tool", Keywords: []string{"sync"}, EstimatedCost: 5},
	}, nil)
	require.NoError(t, err)

	for range 5 {
		p, err := NewAuthority(nil, nil, Config{}, nil).CreatePlan(context.Background(),
			Request{Goal: "sync", Trace: execCtx(t), Catalog: cat})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.tool", "b.tool", "zeta"}, toolNames(p.Steps()), "cost never breaks a tie")
	}
}

func TestCreatePlan_MemoryEnrichment(t *testing.T) {
	cat, err := NewCatalog([]ToolSpec{
		{Name: "a.tool", Keywords: []string{"invoice", "ledger"}},
		{Name: "b.tool", Keywords: []string{"invoice", "refund"}},
	}, nil)
	require.NoError(t, err)
	ec := execCtx(t)

	plain, err := NewAuthority(nil, nil, Config{}, nil).CreatePlan(context.Background(),
		Request{Goal: "invoice", Trace: ec, Catalog: cat})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tool", "b.tool"}, toolNames(plain.Steps()))

	docs := memory.Static{{ID: "1", Content: "Customers asked for a refund last quarter"}}
	enriched, err := NewAuthority(nil, docs, Config{}, nil).CreatePlan(context.Background(),
		Request{Goal: "invoice", Trace: ec, Catalog: cat})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.tool", "a.tool"}, toolNames(enriched.Steps()))

	skipped, err := NewAuthority(nil, docs, Config{}, nil).CreatePlan(context.Background(),
		Request{Goal: "invoice", Trace: ec, Catalog: cat, SkipMemory: true})
	require.NoError(t, err)
	assert.Equal(t, toolNames(plain.Steps()), toolNames(skipped.Steps()))
}

func TestCreatePlan_MemoryFailureDegrades(t *testing.T) {
	p, err := NewAuthority(nil, failingSearcher{}, Config{}, nil).CreatePlan(context.Background(),
		Request{Goal: "render the summary report", Trace: execCtx(t), Catalog: loadCatalog(t)})
	require.NoError(t, err)
	assert.Equal(t, "report.render", p.Steps()[0].Tool)
}

func TestCreatePlan_Errors(t *testing.T) {
	cat := loadCatalog(t)
	a := NewAuthority(nil, nil, Config{MaxSteps: 2}, nil)
	ctx := context.Background()
	ec := execCtx(t)

	_, err := a.CreatePlan(ctx, Request{Goal: "bake a cake", Trace: ec, Catalog: cat})
	require.ErrorIs(t, err, ErrNoMatchingTools)
	assert.Equal(t, model.FailureUser, failure.Classify(err))

	_, err = a.CreatePlan(ctx, Request{Goal: "  ", Trace: ec, Catalog: cat})
	assert.ErrorIs(t, err, ErrEmptyGoal)

	_, err = a.CreatePlan(ctx, Request{Goal: "x", Catalog: cat})
	assert.ErrorIs(t, err, model.ErrMissingTraceID)

	_, err = a.CreatePlan(ctx, Request{Goal: "x", Trace: ec, Catalog: cat, Steps: []StepRequest{{Tool: "nope"}}})
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = a.CreatePlan(ctx, Request{Goal: "x", Trace: ec, Catalog: cat,
		Steps: []StepRequest{{Tool: "crm.search"}, {Tool: "crm.search"}, {Tool: "crm.search"}}})
	assert.ErrorIs(t, err, ErrTooManySteps)
}

func TestCreatePlan_ExplicitSteps(t *testing.T) {
	p, err := NewAuthority(nil, nil, Config{}, nil).CreatePlan(context.Background(), Request{
		Goal:    "monthly report",
		Trace:   execCtx(t),
		Catalog: loadCatalog(t),
		Steps: []StepRequest{
			{Tool: "report.render", Input: map[string]any{"format": "html"}},
			{Tool: "mail.send"},
		},
	})
	require.NoError(t, err)
	steps := p.Steps()
	assert.Equal(t, []string{"report.render", "mail.send"}, toolNames(steps))
	assert.Equal(t, "html", steps[0].Input["format"])
	assert.Equal(t, "monthly report", steps[1].Input["goal"])
}

func TestValidatePlan(t *testing.T) {
	cat := loadCatalog(t)
	rec := &recorder{}
	a := NewAuthority(rec, nil, Config{}, nil)
	ctx := context.Background()

	t.Run("fits", func(t *testing.T) {
		p, err := a.CreatePlan(ctx, Request{Goal: "search accounts", Trace: execCtx(t), Catalog: cat,
			Budget: budget.NewToolBudget(budget.Limits{CallCeiling: 5, CostCeiling: 10})})
		require.NoError(t, err)
		ok, reason := a.ValidatePlan(ctx, p, cat)
		assert.True(t, ok, reason)
		assert.Equal(t, StageCreated, p.Stage())
	})

	t.Run("exceeds total", func(t *testing.T) {
		p, err := a.CreatePlan(ctx, Request{Goal: "monthly report", Trace: execCtx(t), Catalog: cat,
			Steps:  []StepRequest{{Tool: "report.render"}, {Tool: "crm.search"}},
			Budget: budget.NewToolBudget(budget.Limits{CostCeiling: 1})})
		require.NoError(t, err)
		ok, reason := a.ValidatePlan(ctx, p, cat)
		assert.False(t, ok)
		assert.Contains(t, reason, "cost")
		assert.Equal(t, StageFailed, p.Stage())
		assert.Equal(t, model.FailurePolicy, p.FailureMode())
		assert.NotEmpty(t, rec.outcomes)
	})

	t.Run("exceeds domain partition", func(t *testing.T) {
		b := budget.NewToolBudget(budget.Limits{}).WithDomainLimit("crm", budget.Limits{CallCeiling: 1})
		p, err := a.CreatePlan(ctx, Request{Goal: "crm", Trace: execCtx(t), Catalog: cat, Budget: b,
			Steps: []StepRequest{{Tool: "crm.search"}, {Tool: "crm.update"}}})
		require.NoError(t, err)
		ok, _ := a.ValidatePlan(ctx, p, cat)
		assert.False(t, ok)
	})
}

func TestPlanTransitions(t *testing.T) {
	newTestPlan := func(t *testing.T) *Plan {
		t.Helper()
		p, err := NewAuthority(nil, nil, Config{}, nil).CreatePlan(context.Background(),
			Request{Goal: "search accounts", Trace: execCtx(t), Catalog: loadCatalog(t)})
		require.NoError(t, err)
		return p
	}

	t.Run("happy path stamps timestamps", func(t *testing.T) {
		p := newTestPlan(t)
		require.NoError(t, p.TransitionTo(StageRouted))
		require.NoError(t, p.TransitionTo(StageRouted), "same stage is idempotent")
		require.NoError(t, p.TransitionTo(StageExecuting))
		require.NoError(t, p.TransitionTo(StageCompleted))
		ts := p.Timestamps()
		assert.NotNil(t, ts.RoutedAt)
		assert.NotNil(t, ts.StartedAt)
		assert.NotNil(t, ts.CompletedAt)
		require.NoError(t, p.TransitionTo(StageCompleted))
	})

	t.Run("no re-entry into created or routed", func(t *testing.T) {
		p := newTestPlan(t)
		require.NoError(t, p.TransitionTo(StageRouted))
		require.NoError(t, p.TransitionTo(StageExecuting))

		err := p.TransitionTo(StageRouted)
		require.ErrorIs(t, err, ErrInvalidTransition)
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StageExecuting, te.From)
		assert.Equal(t, []Stage{StageCompleted, StageFailed, StageCancelled}, te.Valid)
		assert.Contains(t, err.Error(), "COMPLETED, FAILED, CANCELLED")

		assert.ErrorIs(t, p.TransitionTo(StageCreated), ErrInvalidTransition)
	})

	t.Run("terminal stages reject everything", func(t *testing.T) {
		for _, terminal := range []Stage{StageCompleted, StageFailed, StageCancelled} {
			p := newTestPlan(t)
			require.NoError(t, p.TransitionTo(StageRouted))
			require.NoError(t, p.TransitionTo(StageExecuting))
			require.NoError(t, p.TransitionTo(terminal))
			for _, next := range []Stage{StageCreated, StageRouted, StageExecuting, StageCompleted, StageFailed, StageCancelled} {
				if next == terminal {
					continue
				}
				assert.ErrorIs(t, p.TransitionTo(next), ErrInvalidTransition, "%s -> %s", terminal, next)
			}
			assert.Equal(t, terminal, p.Stage())
		}
	})

	t.Run("skipping routed is rejected", func(t *testing.T) {
		p := newTestPlan(t)
		assert.ErrorIs(t, p.TransitionTo(StageExecuting), ErrInvalidTransition)
	})

	t.Run("fail keeps first failure", func(t *testing.T) {
		p := newTestPlan(t)
		require.NoError(t, p.Fail(model.FailurePolicy, "budget"))
		require.NoError(t, p.Fail(model.FailureSystem, "later"))
		assert.Equal(t, model.FailurePolicy, p.FailureMode())
		assert.Equal(t, "budget", p.FailureReason())
		assert.ErrorIs(t, p.Cancel("too late"), ErrInvalidTransition)
	})

	t.Run("assign worker", func(t *testing.T) {
		p := newTestPlan(t)
		require.NoError(t, p.AssignWorker(0, "worker-a"))
		step, ok := p.Step(0)
		require.True(t, ok)
		assert.Equal(t, "worker-a", step.AssignedWorker)
		assert.Error(t, p.AssignWorker(99, "x"))
	})

	t.Run("json snapshot", func(t *testing.T) {
		p := newTestPlan(t)
		b, err := json.Marshal(p)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		assert.Equal(t, "CREATED", m["stage"])
		assert.Equal(t, p.ID, m["plan_id"])
	})
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"find", "accounts", "2024", "totals"}, tokenize("Find the ACCOUNTS for Q3, find q3 2024 totals"))
	assert.Equal(t, []string{"sync", "crm"}, tokenize("sync CRM & sync"))
}
