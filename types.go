package shikumi

import (
	"github.com/ashita-ai/shikumi/internal/coordinator"
	"github.com/ashita-ai/shikumi/internal/memory"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/policy"
)

// ExecutionContext is the immutable identity a run carries through every
// component: trace ID, request ID, profile, optional user and parent.
type ExecutionContext = model.ExecutionContext

// PartialResult is the progress of a run: completed steps, their outputs and
// where it stopped.
type PartialResult = model.PartialResult

// FailureMode classifies why a run or step failed.
type FailureMode = model.FailureMode

// RiskLevel is the risk tier of a plan step.
type RiskLevel = model.RiskLevel

// Event is one canonical observability event.
type Event = model.Event

// ScoredDocument is a document returned by a Searcher.
type ScoredDocument = memory.ScoredDocument

// RiskInput describes the step a PolicyEvaluator assesses.
type RiskInput = policy.Input

// RiskAssessment is a PolicyEvaluator's verdict.
type RiskAssessment = policy.Assessment

// Outcome is the result of a completed run.
type Outcome = coordinator.Outcome

// Failure modes.
const (
	FailureAgent            = model.FailureAgent
	FailureSystem           = model.FailureSystem
	FailureResource         = model.FailureResource
	FailurePolicy           = model.FailurePolicy
	FailureUser             = model.FailureUser
	FailurePartialStep      = model.FailurePartialStep
	FailurePartialTool      = model.FailurePartialTool
	FailureTerminalSystem   = model.FailureTerminalSystem
	FailureTerminalPolicy   = model.FailureTerminalPolicy
	FailureTerminalSecurity = model.FailureTerminalSecurity
	FailureTerminalUser     = model.FailureTerminalUser
)

// Risk levels.
const (
	RiskLow      = model.RiskLow
	RiskMedium   = model.RiskMedium
	RiskHigh     = model.RiskHigh
	RiskCritical = model.RiskCritical
)

// Policy decisions a RiskAssessment may carry.
const (
	DecisionAllow           = policy.DecisionAllow
	DecisionRequireApproval = policy.DecisionRequireApproval
	DecisionBlock           = policy.DecisionBlock
)

// NewExecutionContext creates a root context. An empty profile means "default".
func NewExecutionContext(traceID, profile string) (ExecutionContext, error) {
	return model.NewExecutionContext(traceID, profile)
}

// NewTraceID returns a fresh trace ID.
func NewTraceID() string {
	return model.NewTraceID()
}
