package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Orchestration failures put the
// failure mode, recovery and partial result in Details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodePolicyRejected = "POLICY_REJECTED"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeCancelled      = "CANCELLED"
)

// BudgetLimits is the wire form of per-run budget ceilings. Zero means
// unbounded.
type BudgetLimits struct {
	CostCeiling  float64 `json:"cost_ceiling,omitempty"`
	CallCeiling  int64   `json:"call_ceiling,omitempty"`
	TokenCeiling int64   `json:"token_ceiling,omitempty"`
}

// StepRequest names one tool to run, bypassing plan ranking.
type StepRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input,omitempty"`
}

// OrchestrateRequest is the body of POST /v1/orchestrate.
type OrchestrateRequest struct {
	Goal    string        `json:"goal"`
	Profile string        `json:"profile,omitempty"`
	UserID  string        `json:"user_id,omitempty"`
	TraceID string        `json:"trace_id,omitempty"`
	RunID   string        `json:"run_id,omitempty"`
	Budget  *BudgetLimits `json:"budget,omitempty"`
	Steps   []StepRequest `json:"steps,omitempty"`
	Routing string        `json:"routing_policy,omitempty"`
}

// ResumeRequest is the body of POST /v1/resume. Either PartialResult or
// RunID (a stored checkpoint) must be given.
type ResumeRequest struct {
	Goal          string         `json:"goal"`
	Profile       string         `json:"profile,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	RunID         string         `json:"run_id,omitempty"`
	PartialResult *PartialResult `json:"partial_result,omitempty"`
	Budget        *BudgetLimits  `json:"budget,omitempty"`
	Steps         []StepRequest  `json:"steps,omitempty"`
}

// ApprovalDecisionRequest is the body of POST /v1/approvals/{id}/respond.
type ApprovalDecisionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// CancelRequest is the optional body of POST /v1/approvals/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// TokenResponse is returned by POST /auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FailureDetails is the error detail of a failed orchestration.
type FailureDetails struct {
	FailureMode   FailureMode      `json:"failure_mode"`
	Recovery      RecoveryStrategy `json:"recovery_strategy"`
	Step          string           `json:"step,omitempty"`
	Attempts      int              `json:"attempts,omitempty"`
	TraceID       string           `json:"trace_id,omitempty"`
	PartialResult *PartialResult   `json:"partial_result"`
	Outcome       any              `json:"outcome,omitempty"`
}
