package policy

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/ashita-ai/shikumi/internal/model"
)

//go:embed default.rego
var DefaultModule string

const query = "data.shikumi.approval.decision"

// RegoEvaluator evaluates steps against a rego module. The module must
// define data.shikumi.approval.decision as either a decision string or an
// object with "decision", "risk" and "reason" keys.
type RegoEvaluator struct {
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// NewRegoEvaluator compiles module. An empty module uses DefaultModule.
func NewRegoEvaluator(ctx context.Context, module string, logger *slog.Logger) (*RegoEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if module == "" {
		module = DefaultModule
	}
	r := rego.New(
		rego.Query(query),
		rego.Module("shikumi_approval.rego", module),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare rego: %w", err)
	}
	return &RegoEvaluator{query: pq, logger: logger}, nil
}

// LoadRegoEvaluator compiles the rego module at path.
func LoadRegoEvaluator(ctx context.Context, path string, logger *slog.Logger) (*RegoEvaluator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return NewRegoEvaluator(ctx, string(b), logger)
}

// Evaluate implements Evaluator. Evaluation failures and malformed results
// fail closed as require_approval and are also returned as errors.
func (e *RegoEvaluator) Evaluate(ctx context.Context, in Input) (Assessment, error) {
	closed := Assessment{Risk: in.Risk, Decision: DecisionRequireApproval, Reason: "policy evaluation failed"}
	if closed.Risk == "" {
		closed.Risk = model.RiskLow
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(toRegoInput(in)))
	if err != nil {
		e.logger.Warn("policy: rego evaluation failed", "tool", in.Tool, "error", err)
		return closed, fmt.Errorf("policy: evaluate: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Assessment{Risk: closed.Risk, Decision: DecisionAllow, Reason: "no rule matched"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		d, err := ParseDecision(v)
		if err != nil {
			return closed, err
		}
		return Assessment{Risk: closed.Risk, Decision: d}, nil
	case map[string]any:
		return decodeAssessment(v, closed)
	default:
		return closed, fmt.Errorf("policy: unexpected decision type %T", v)
	}
}

func decodeAssessment(v map[string]any, fallback Assessment) (Assessment, error) {
	raw, _ := v["decision"].(string)
	d, err := ParseDecision(raw)
	if err != nil {
		return fallback, err
	}
	out := Assessment{Risk: fallback.Risk, Decision: d}
	if r, ok := v["risk"].(string); ok && r != "" {
		risk, err := model.ParseRiskLevel(r)
		if err != nil {
			return fallback, fmt.Errorf("policy: %w", err)
		}
		out.Risk = risk
	}
	out.Reason, _ = v["reason"].(string)
	return out, nil
}

// toRegoInput converts in to plain JSON-like values so rego sees numbers
// and strings rather than Go named types.
func toRegoInput(in Input) map[string]any {
	caps := make([]any, len(in.Capabilities))
	for i, c := range in.Capabilities {
		caps[i] = c
	}
	m := map[string]any{
		"tool":           in.Tool,
		"domain":         in.Domain,
		"risk":           string(in.Risk),
		"estimated_cost": in.EstimatedCost,
		"capabilities":   caps,
		"profile":        in.Profile,
		"user_id":        in.UserID,
	}
	if in.Input != nil {
		m["input"] = in.Input
	} else {
		m["input"] = map[string]any{}
	}
	return m
}
