// Package planning builds plans from a goal and a tool catalog and owns the
// plan lifecycle.
//
// Ranking is deterministic: the same goal, catalog, budget and memory
// documents always yield the same steps in the same order.
package planning

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/memory"
	"github.com/ashita-ai/shikumi/internal/model"
)

var (
	ErrNoMatchingTools = failure.Sentinel(model.FailureUser, "planning: no tool in the catalog matches the goal")
	ErrUnknownTool     = failure.Sentinel(model.FailureUser, "planning: unknown tool")
	ErrTooManySteps    = failure.Sentinel(model.FailureUser, "planning: too many steps")
	ErrEmptyGoal       = failure.Sentinel(model.FailureUser, "planning: goal is required")
)

// Recorder receives planning decisions. *audit.Trail satisfies it.
type Recorder interface {
	RecordPlan(ctx context.Context, e audit.PlanEntry) error
	RecordPlanStep(ctx context.Context, traceID, planID string, step model.PlanStep, reason string) error
	RecordPlanOutcome(ctx context.Context, traceID, planID, stage, reason string, meta map[string]any) error
}

// Config tunes the planner.
type Config struct {
	// MaxSteps caps ranked plans. Zero means 5.
	MaxSteps int
	// MemoryTimeout bounds the enrichment lookup. Zero means 2s.
	MemoryTimeout time.Duration
	// MemoryLimit is the number of documents requested. Zero means 5.
	MemoryLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 5
	}
	if c.MemoryTimeout <= 0 {
		c.MemoryTimeout = 2 * time.Second
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 5
	}
	return c
}

// StepRequest names a tool explicitly, bypassing ranking.
type StepRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input,omitempty"`
}

// Request is the input to CreatePlan.
type Request struct {
	Goal    string
	Trace   model.ExecutionContext
	Budget  *budget.ToolBudget
	Catalog *Catalog
	// Steps, when set, are used verbatim in order.
	Steps []StepRequest
	// SkipMemory disables enrichment so a plan can be rebuilt exactly.
	SkipMemory bool
}

// Authority creates and validates plans.
type Authority struct {
	recorder Recorder
	memory   memory.Searcher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthority creates a planner. searcher may be nil.
func NewAuthority(recorder Recorder, searcher memory.Searcher, cfg Config, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	if searcher == nil {
		searcher = memory.Noop{}
	}
	return &Authority{
		recorder: recorder,
		memory:   searcher,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// CreatePlan builds a plan in stage CREATED and records it.
func (a *Authority) CreatePlan(ctx context.Context, req Request) (*Plan, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, ErrEmptyGoal
	}
	if req.Trace.TraceID() == "" {
		return nil, model.ErrMissingTraceID
	}
	if req.Catalog == nil {
		return nil, fmt.Errorf("planning: catalog is required")
	}
	b := req.Budget
	if b == nil {
		b = budget.NewToolBudget(budget.Limits{})
	}

	var (
		steps        []model.PlanStep
		alternatives []string
		err          error
	)
	if len(req.Steps) > 0 {
		steps, err = a.explicitSteps(goal, req.Steps, req.Catalog)
	} else {
		var docs []memory.ScoredDocument
		if !req.SkipMemory {
			docs = a.enrich(ctx, goal, req.Trace)
		}
		steps, alternatives, err = a.rankSteps(goal, req.Catalog, docs)
	}
	if err != nil {
		return nil, err
	}

	p := newPlan(uuid.NewString(), goal, req.Trace, b, steps, alternatives, a.now)

	if err := a.recordPlan(ctx, p, len(req.Steps) > 0); err != nil {
		return nil, err
	}
	a.logger.Info("planning: plan created",
		"trace_id", p.TraceID, "plan_id", p.ID, "steps", len(steps), "alternatives", len(alternatives))
	return p, nil
}

func (a *Authority) recordPlan(ctx context.Context, p *Plan, explicit bool) error {
	if a.recorder == nil {
		return nil
	}
	source := "ranked"
	if explicit {
		source = "explicit"
	}
	if err := a.recorder.RecordPlan(ctx, audit.PlanEntry{
		TraceID:      p.TraceID,
		PlanID:       p.ID,
		Goal:         p.Goal,
		Steps:        p.StepIDs(),
		Alternatives: p.Alternatives,
		Metadata:     map[string]any{"source": source, "profile": p.Profile},
	}); err != nil {
		return fmt.Errorf("planning: record plan: %w", err)
	}
	for _, s := range p.Steps() {
		reason := fmt.Sprintf("step %d uses %s", s.Index, s.Tool)
		if err := a.recorder.RecordPlanStep(ctx, p.TraceID, p.ID, s, reason); err != nil {
			return fmt.Errorf("planning: record step %s: %w", s.ID, err)
		}
	}
	return nil
}

// enrich fetches memory documents. Failures only degrade ranking.
func (a *Authority) enrich(ctx context.Context, goal string, ec model.ExecutionContext) []memory.ScoredDocument {
	mctx, cancel := context.WithTimeout(ctx, a.cfg.MemoryTimeout)
	defer cancel()
	docs, err := a.memory.Search(mctx, goal, ec.Profile(), a.cfg.MemoryLimit)
	if err != nil {
		a.logger.Warn("planning: memory enrichment unavailable, planning without it",
			"trace_id", ec.TraceID(), "error", err)
		return nil
	}
	return docs
}

func (a *Authority) explicitSteps(goal string, reqs []StepRequest, cat *Catalog) ([]model.PlanStep, error) {
	if len(reqs) > a.cfg.MaxSteps {
		return nil, fmt.Errorf("%w: %d requested, limit %d", ErrTooManySteps, len(reqs), a.cfg.MaxSteps)
	}
	steps := make([]model.PlanStep, 0, len(reqs))
	for i, r := range reqs {
		spec, ok := cat.Get(r.Tool)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, r.Tool)
		}
		s := stepFromSpec(i, spec, goal)
		maps.Copy(s.Input, r.Input)
		steps = append(steps, s)
	}
	return steps, nil
}

type candidate struct {
	spec  ToolSpec
	score int
}

func (a *Authority) rankSteps(goal string, cat *Catalog, docs []memory.ScoredDocument) ([]model.PlanStep, []string, error) {
	tokens := tokenize(goal)
	var cands []candidate
	for _, spec := range cat.Tools() {
		score := scoreTool(spec, tokens, docs)
		if score > 0 {
			cands = append(cands, candidate{spec: spec, score: score})
		}
	}
	if len(cands) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrNoMatchingTools, goal)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].spec.Name < cands[j].spec.Name
	})

	n := min(len(cands), a.cfg.MaxSteps)
	steps := make([]model.PlanStep, n)
	for i := range n {
		steps[i] = stepFromSpec(i, cands[i].spec, goal)
	}
	var alternatives []string
	for _, c := range cands[n:] {
		alternatives = append(alternatives, c.spec.Name)
	}
	return steps, alternatives, nil
}

func stepFromSpec(index int, spec ToolSpec, goal string) model.PlanStep {
	input := maps.Clone(spec.DefaultInput)
	if input == nil {
		input = map[string]any{}
	}
	if _, ok := input["goal"]; !ok {
		input["goal"] = goal
	}
	return model.PlanStep{
		ID:              model.StepID(index, spec.Name),
		Index:           index,
		Tool:            spec.Name,
		Input:           input,
		EstimatedCost:   spec.EstimatedCost,
		EstimatedTokens: spec.EstimatedTokens,
		Domain:          spec.Domain,
		Capabilities:    append([]string(nil), spec.Capabilities...),
		Risk:            spec.Risk,
	}
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "into": true,
	"that": true, "this": true, "then": true, "than": true, "all": true, "any": true,
	"our": true, "their": true, "please": true, "about": true, "over": true, "each": true,
}

// tokenize returns the distinct lower-case words of at least three letters
// in s, minus stop words, in first-seen order.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func scoreTool(spec ToolSpec, tokens []string, docs []memory.ScoredDocument) int {
	name := strings.ToLower(spec.Name)
	desc := strings.ToLower(spec.Description)
	score := 0
	for _, tok := range tokens {
		switch {
		case contains(spec.Keywords, tok):
			score += 3
		case contains(spec.Capabilities, tok):
			score += 2
		case strings.Contains(name, tok) || strings.Contains(desc, tok):
			score++
		}
	}
	if score == 0 {
		return 0
	}
	for _, d := range docs {
		content := strings.ToLower(d.Content)
		for _, kw := range spec.Keywords {
			if strings.Contains(content, kw) {
				score++
			}
		}
	}
	return score
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ValidatePlan checks the plan against its budget and catalog. A plan that
// fails is moved to FAILED with mode POLICY and the reason is recorded.
func (a *Authority) ValidatePlan(ctx context.Context, p *Plan, cat *Catalog) (bool, string) {
	reason := a.validate(p, cat)
	if reason == "" {
		return true, ""
	}
	if err := p.Fail(model.FailurePolicy, reason); err != nil {
		a.logger.Warn("planning: could not fail plan", "plan_id", p.ID, "error", err)
	}
	if a.recorder != nil {
		if err := a.recorder.RecordPlanOutcome(ctx, p.TraceID, p.ID, string(StageFailed), reason,
			map[string]any{"failure_mode": string(model.FailurePolicy)}); err != nil {
			a.logger.Error("planning: record validation failure", "trace_id", p.TraceID, "plan_id", p.ID, "error", err)
		}
	}
	a.logger.Warn("planning: plan rejected", "trace_id", p.TraceID, "plan_id", p.ID, "reason", reason)
	return false, reason
}

func (a *Authority) validate(p *Plan, cat *Catalog) string {
	steps := p.Steps()
	if len(steps) == 0 {
		return "plan has no steps"
	}
	if cat != nil {
		for _, s := range steps {
			if _, ok := cat.Get(s.Tool); !ok {
				return fmt.Sprintf("step %s uses unknown tool %q", s.ID, s.Tool)
			}
		}
	}
	if p.Budget == nil {
		return ""
	}
	if exc := p.Budget.Fits(estimate(steps)); exc != nil {
		return "estimated usage exceeds budget: " + exc.Error()
	}
	byDomain := map[string]budget.Usage{}
	byTool := map[string]budget.Usage{}
	for _, s := range steps {
		u := budget.Usage{Cost: s.EstimatedCost, Calls: 1, Tokens: s.EstimatedTokens}
		if s.Domain != "" {
			byDomain[s.Domain] = sum(byDomain[s.Domain], u)
		}
		byTool[s.Tool] = sum(byTool[s.Tool], u)
	}
	if exc := p.Budget.FitsScoped(byDomain, byTool); exc != nil {
		return "estimated usage exceeds budget: " + exc.Error()
	}
	return ""
}

func sum(a, b budget.Usage) budget.Usage {
	return budget.Usage{Cost: a.Cost + b.Cost, Calls: a.Calls + b.Calls, Tokens: a.Tokens + b.Tokens}
}
