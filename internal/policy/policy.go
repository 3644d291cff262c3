// Package policy assesses the risk of a plan step and decides whether it
// may run freely, needs approval, or must be blocked.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/shikumi/internal/model"
)

// Decision is the outcome of a risk assessment.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// ParseDecision validates s.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAllow, DecisionRequireApproval, DecisionBlock:
		return d, nil
	}
	return "", fmt.Errorf("policy: unknown decision %q", s)
}

// Input describes the step being assessed.
type Input struct {
	Tool          string          `json:"tool"`
	Domain        string          `json:"domain,omitempty"`
	Risk          model.RiskLevel `json:"risk"`
	EstimatedCost float64         `json:"estimated_cost"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Profile       string          `json:"profile,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Input         map[string]any  `json:"input,omitempty"`
}

// InputFor builds an Input from a step and its execution context.
func InputFor(step model.PlanStep, ec model.ExecutionContext) Input {
	in := Input{
		Tool:          step.Tool,
		Domain:        step.Domain,
		Risk:          step.Risk,
		EstimatedCost: step.EstimatedCost,
		Capabilities:  step.Capabilities,
		Profile:       ec.Profile(),
		Input:         step.Input,
	}
	if in.Risk == "" {
		in.Risk = model.RiskLow
	}
	if uid, ok := ec.UserID(); ok {
		in.UserID = uid
	}
	return in
}

// Assessment is an evaluator's verdict on one step.
type Assessment struct {
	Risk     model.RiskLevel `json:"risk"`
	Decision Decision        `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
}

// Evaluator assesses steps. Implementations must be safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Assessment, error)
}

// StaticEvaluator requires approval for any step at or above MinRisk.
type StaticEvaluator struct {
	MinRisk model.RiskLevel
	// Blocked tools are always rejected.
	Blocked []string
}

// Evaluate implements Evaluator.
func (s StaticEvaluator) Evaluate(_ context.Context, in Input) (Assessment, error) {
	risk := in.Risk
	if risk == "" {
		risk = model.RiskLow
	}
	for _, b := range s.Blocked {
		if b == in.Tool {
			return Assessment{Risk: risk, Decision: DecisionBlock, Reason: "tool " + in.Tool + " is blocked"}, nil
		}
	}
	floor := s.MinRisk
	if floor == "" {
		floor = model.RiskHigh
	}
	if risk.AtLeast(floor) {
		return Assessment{
			Risk:     risk,
			Decision: DecisionRequireApproval,
			Reason:   fmt.Sprintf("risk %s meets approval threshold %s", risk, floor),
		}, nil
	}
	return Assessment{Risk: risk, Decision: DecisionAllow}, nil
}
