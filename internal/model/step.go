package model

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// RiskLevel tags how sensitive a step is. Levels are ordered.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// ParseRiskLevel normalizes s. An empty string is treated as low.
func ParseRiskLevel(s string) (RiskLevel, error) {
	if s == "" {
		return RiskLow, nil
	}
	r := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := riskRank[r]; !ok {
		return "", fmt.Errorf("model: unknown risk level %q", s)
	}
	return r, nil
}

// AtLeast reports whether r is as sensitive as other or more.
// Unknown levels rank below low.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// PlanStep is one tool call within a plan.
type PlanStep struct {
	ID              string         `json:"id"`
	Index           int            `json:"index"`
	Tool            string         `json:"tool"`
	Input           map[string]any `json:"input"`
	EstimatedCost   float64        `json:"estimated_cost"`
	EstimatedTokens int64          `json:"estimated_tokens"`
	Domain          string         `json:"domain,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	Risk            RiskLevel      `json:"risk,omitempty"`
	AssignedWorker  string         `json:"assigned_worker,omitempty"`
}

// StepID is the stable identifier used for checkpoints: "<index>:<tool>".
func StepID(index int, tool string) string {
	return fmt.Sprintf("%d:%s", index, tool)
}

// Clone returns a deep copy of the step.
func (s PlanStep) Clone() PlanStep {
	out := s
	out.Input = maps.Clone(s.Input)
	out.Capabilities = slices.Clone(s.Capabilities)
	return out
}

// Worker is a routable executor endpoint.
type Worker struct {
	ID           string            `json:"id" yaml:"id"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels"`
}

// Can reports whether the worker declares every capability in required.
func (w Worker) Can(required []string) bool {
	for _, c := range required {
		if !slices.Contains(w.Capabilities, c) {
			return false
		}
	}
	return true
}

// RoutingDecision explains why a worker was chosen for a step. Immutable once recorded.
type RoutingDecision struct {
	WorkerID               string   `json:"worker_id"`
	PolicyName             string   `json:"policy_name"`
	AlternativesConsidered []string `json:"alternatives_considered"`
	Reasoning              string   `json:"reasoning"`
	TraceID                string   `json:"trace_id"`
	StepID                 string   `json:"step_id"`
	StepIndex              int      `json:"step_index"`
}
