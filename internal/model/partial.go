package model

import (
	"maps"
	"slices"
	"time"
)

// PartialResult is the checkpoint of one logical run: which steps completed,
// what they returned and where execution stopped. Completed steps are never
// removed, so CompletionRatio never decreases across checkpoints.
//
// A PartialResult is owned by a single run; share it across goroutines
// only through Clone.
type PartialResult struct {
	RunID          string               `json:"run_id,omitempty"`
	TraceID        string               `json:"trace_id"`
	TotalSteps     int                  `json:"total_steps"`
	CompletedSteps []string             `json:"completed_steps"`
	StepResults    map[string]any       `json:"step_results"`
	StepTimestamps map[string]time.Time `json:"step_timestamps"`
	FailedSteps    []string             `json:"failed_steps"`
	FailurePoint   *string              `json:"failure_point,omitempty"`
	FailureMode    FailureMode          `json:"failure_mode,omitempty"`
	FailureReason  string               `json:"failure_reason,omitempty"`
	// Spent is the total budget consumed by every attempt of the run so
	// far, retries included. A resume starts its budget from it.
	Spent     Spend     `json:"spent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spend is an amount of cost, calls and tokens.
type Spend struct {
	Cost   float64 `json:"cost"`
	Calls  int64   `json:"calls"`
	Tokens int64   `json:"tokens"`
}

// NewPartialResult returns an empty checkpoint for a run of total steps.
func NewPartialResult(traceID string, total int) *PartialResult {
	return &PartialResult{
		TraceID:        traceID,
		TotalSteps:     total,
		CompletedSteps: []string{},
		StepResults:    map[string]any{},
		StepTimestamps: map[string]time.Time{},
		FailedSteps:    []string{},
		UpdatedAt:      time.Now().UTC(),
	}
}

// AddCompletedStep records a successful step. Recording the same step twice
// keeps the first result.
func (p *PartialResult) AddCompletedStep(name string, result any, ts time.Time) {
	if p.IsCompleted(name) {
		return
	}
	if p.StepResults == nil {
		p.StepResults = map[string]any{}
	}
	if p.StepTimestamps == nil {
		p.StepTimestamps = map[string]time.Time{}
	}
	p.CompletedSteps = append(p.CompletedSteps, name)
	p.StepResults[name] = result
	p.StepTimestamps[name] = ts.UTC()
	if p.FailurePoint != nil && *p.FailurePoint == name {
		p.FailurePoint = nil
		p.FailureMode = ""
		p.FailureReason = ""
	}
	p.UpdatedAt = time.Now().UTC()
}

// MarkFailed records where and why execution stopped.
func (p *PartialResult) MarkFailed(name string, mode FailureMode, reason string) {
	if !slices.Contains(p.FailedSteps, name) {
		p.FailedSteps = append(p.FailedSteps, name)
	}
	point := name
	p.FailurePoint = &point
	p.FailureMode = mode
	p.FailureReason = reason
	p.UpdatedAt = time.Now().UTC()
}

// ClearFailure forgets the failure point before a resume. FailedSteps is kept
// as history.
func (p *PartialResult) ClearFailure() {
	p.FailurePoint = nil
	p.FailureMode = ""
	p.FailureReason = ""
}

// IsCompleted reports whether name is already in CompletedSteps.
func (p *PartialResult) IsCompleted(name string) bool {
	return slices.Contains(p.CompletedSteps, name)
}

// CompletionRatio is |completed| / total, or 0 for an empty run.
func (p *PartialResult) CompletionRatio() float64 {
	if p.TotalSteps <= 0 {
		return 0
	}
	return float64(len(p.CompletedSteps)) / float64(p.TotalSteps)
}

// IsRecoverable reports whether the run may be resumed automatically: no
// failure recorded, or a failure whose mode is retryable and not terminal.
func (p *PartialResult) IsRecoverable() bool {
	if p.FailureMode == "" {
		return true
	}
	return p.FailureMode.Retryable() && !p.FailureMode.Terminal()
}

// Clone returns a deep copy. Step results are copied shallowly.
func (p *PartialResult) Clone() *PartialResult {
	if p == nil {
		return nil
	}
	out := *p
	out.CompletedSteps = slices.Clone(p.CompletedSteps)
	out.FailedSteps = slices.Clone(p.FailedSteps)
	out.StepResults = maps.Clone(p.StepResults)
	out.StepTimestamps = maps.Clone(p.StepTimestamps)
	if p.FailurePoint != nil {
		fp := *p.FailurePoint
		out.FailurePoint = &fp
	}
	return &out
}
