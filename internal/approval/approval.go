// Package approval gates sensitive plan steps behind a human or automated
// decision.
//
// Every request resolves exactly once: the first of RespondToRequest,
// CancelRequest, a waiter's timeout, or the expiry sweeper wins, and every
// later attempt is rejected without changing the recorded status.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/shikumi/internal/model"
)

// Status is the state of an approval request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusDenied    Status = "DENIED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a resolved status.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Approvers recorded when policy, not a person, resolves a request.
const (
	ApproverPolicyDisabled = "policy:disabled"
	ApproverPolicyTimeout  = "policy:timeout"
)

var (
	ErrNotFound        = errors.New("approval: request not found")
	ErrNotPending      = errors.New("approval: request is not pending")
	ErrAlreadyResolved = errors.New("approval: request already resolved")
	ErrInvalidStatus   = errors.New("approval: status must be APPROVED or DENIED")

	ErrDenied    = errors.New("approval: denied")
	ErrTimedOut  = errors.New("approval: timed out")
	ErrCancelled = errors.New("approval: cancelled")
)

// Policy configures the gate.
type Policy struct {
	// Enabled false auto-approves every request immediately.
	Enabled bool
	// Timeout bounds WaitForApproval when the caller passes zero.
	Timeout time.Duration
	// AutoApproveOnTimeout resolves timeouts as APPROVED by policy:timeout.
	AutoApproveOnTimeout bool
	// MinRisk is the lowest risk level that requires approval.
	MinRisk model.RiskLevel
}

// DefaultPolicy requires approval for high-risk steps and waits five minutes.
func DefaultPolicy() Policy {
	return Policy{Enabled: true, Timeout: 5 * time.Minute, MinRisk: model.RiskHigh}
}

// Requires reports whether a step of the given risk must be approved.
func (p Policy) Requires(risk model.RiskLevel) bool {
	floor := p.MinRisk
	if floor == "" {
		floor = model.RiskHigh
	}
	return risk.AtLeast(floor)
}

// Request asks for permission to run one operation.
type Request struct {
	ID          string          `json:"request_id"`
	Operation   string          `json:"operation"`
	TraceID     string          `json:"trace_id"`
	RiskLevel   model.RiskLevel `json:"risk_level"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Response is the resolution of a request.
type Response struct {
	RequestID   string    `json:"request_id"`
	Status      Status    `json:"status"`
	Approver    string    `json:"approver,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RespondedAt time.Time `json:"responded_at,omitzero"`
}

// Rejection is returned by RequireApproval for any outcome but APPROVED.
type Rejection struct {
	Request  Request
	Response Response
}

func (r *Rejection) Error() string {
	msg := fmt.Sprintf("approval: %s for %s: %s", r.Request.Operation, r.Request.ID, r.Response.Status)
	if r.Response.Approver != "" {
		msg += " by " + r.Response.Approver
	}
	if r.Response.Reason != "" {
		msg += ": " + r.Response.Reason
	}
	return msg
}

// Is maps the status onto ErrDenied, ErrTimedOut or ErrCancelled.
func (r *Rejection) Is(target error) bool {
	switch r.Response.Status {
	case StatusDenied:
		return target == ErrDenied
	case StatusTimeout:
		return target == ErrTimedOut
	case StatusCancelled:
		return target == ErrCancelled
	}
	return false
}

// FailureMode classifies denials and timeouts as POLICY and cancellations as
// caller-initiated terminal failures.
func (r *Rejection) FailureMode() model.FailureMode {
	if r.Response.Status == StatusCancelled {
		return model.FailureTerminalUser
	}
	return model.FailurePolicy
}
