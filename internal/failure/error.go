package failure

import (
	"fmt"

	"github.com/ashita-ai/shikumi/internal/model"
)

// SuggestRecovery picks a recovery strategy from the completion ratio.
// Terminal and non-retryable modes always need a human.
func SuggestRecovery(mode model.FailureMode, ratio float64) model.RecoveryStrategy {
	if mode.Terminal() || !mode.Retryable() {
		return model.RecoveryManual
	}
	switch {
	case ratio >= 0.75:
		return model.RecoveryRetryFailed
	case ratio >= 0.25:
		return model.RecoveryRetryFromCheckpoint
	default:
		return model.RecoveryRetryAll
	}
}

// Error is the structured failure returned by the kernel. Partial is never
// nil on errors produced by the executor or coordinator, so callers can
// always inspect what completed before the failure.
type Error struct {
	Mode     model.FailureMode      `json:"failure_mode"`
	Reason   string                 `json:"reason"`
	Recovery model.RecoveryStrategy `json:"recovery_strategy"`
	Partial  *model.PartialResult   `json:"partial_result,omitempty"`
	Step     string                 `json:"step,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Attempts int                    `json:"attempts,omitempty"`
	Err      error                  `json:"-"`
}

// New builds an Error for cause, classifying it when mode is empty and
// deriving the recovery suggestion from partial.
func New(cause error, mode model.FailureMode, partial *model.PartialResult) *Error {
	if mode == "" {
		mode = Classify(cause)
	}
	e := &Error{Mode: mode, Partial: partial, Err: cause}
	if cause != nil {
		e.Reason = cause.Error()
	}
	ratio := 0.0
	if partial != nil {
		ratio = partial.CompletionRatio()
		e.TraceID = partial.TraceID
	}
	e.Recovery = SuggestRecovery(mode, ratio)
	return e
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s failure at step %s: %s (recovery: %s)", e.Mode, e.Step, e.Reason, e.Recovery)
	}
	return fmt.Sprintf("%s failure: %s (recovery: %s)", e.Mode, e.Reason, e.Recovery)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureMode implements Classified.
func (e *Error) FailureMode() model.FailureMode { return e.Mode }

// Retryable reports whether the failure mode allows automatic retry.
func (e *Error) Retryable() bool { return e.Mode.Retryable() }
