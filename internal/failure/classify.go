// Package failure classifies errors into the failure taxonomy, decides
// whether and when to retry, and carries the structured error returned to
// callers of the orchestration kernel.
package failure

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/model"
)

// Classified is implemented by errors that know their own failure mode.
type Classified interface {
	FailureMode() model.FailureMode
}

// PartialOutputError is implemented by tool errors that still produced
// some output.
type PartialOutputError interface {
	PartialOutput() any
}

type sentinel struct {
	mode model.FailureMode
	msg  string
}

func (s *sentinel) Error() string                  { return s.msg }
func (s *sentinel) FailureMode() model.FailureMode { return s.mode }

// Sentinel returns a comparable sentinel error that classifies as mode.
func Sentinel(mode model.FailureMode, msg string) error {
	return &sentinel{mode: mode, msg: msg}
}

var (
	timeoutMarkers    = []string{"timeout", "timed out", "deadline exceeded"}
	permissionMarkers = []string{"permission denied", "forbidden", "unauthorized", "access denied"}
	resourceMarkers   = []string{"budget", "quota", "rate limit", "too many requests", "insufficient funds"}
	validationMarkers = []string{"invalid", "validation", "malformed", "bad request", "missing required"}
	networkMarkers    = []string{"connection refused", "connection reset", "network", "unreachable", "no such host", "broken pipe", "eof", "unavailable"}
	policyMarkers     = []string{"policy", "not allowed", "blocked", "guardrail"}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Classify maps err onto the taxonomy. Typed errors win over message
// markers; unclassified errors are PARTIAL_STEP_FAILURES. A nil error has
// no mode.
func Classify(err error) model.FailureMode {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Mode != "" {
		return fe.Mode
	}
	var c Classified
	if errors.As(err, &c) {
		return c.FailureMode()
	}
	if errors.Is(err, budget.ErrExceeded) {
		return model.FailureResource
	}
	if errors.Is(err, context.Canceled) {
		return model.FailureTerminalUser
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return model.FailureSystem
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureSystem
	}
	if errors.Is(err, os.ErrPermission) {
		return model.FailureTerminalSecurity
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, timeoutMarkers):
		return model.FailureSystem
	case containsAny(msg, permissionMarkers):
		return model.FailureTerminalSecurity
	case containsAny(msg, resourceMarkers):
		return model.FailureResource
	case containsAny(msg, validationMarkers):
		return model.FailureUser
	case containsAny(msg, networkMarkers):
		return model.FailureSystem
	case containsAny(msg, policyMarkers):
		return model.FailurePolicy
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return model.FailureSystem
	}
	var partial PartialOutputError
	if errors.As(err, &partial) && partial.PartialOutput() != nil {
		return model.FailurePartialTool
	}
	return model.FailurePartialStep
}
