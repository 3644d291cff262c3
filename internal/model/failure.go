package model

// FailureMode classifies why a step or plan failed.
type FailureMode string

const (
	FailureAgent            FailureMode = "AGENT"
	FailureSystem           FailureMode = "SYSTEM"
	FailureResource         FailureMode = "RESOURCE"
	FailurePolicy           FailureMode = "POLICY"
	FailureUser             FailureMode = "USER"
	FailurePartialStep      FailureMode = "PARTIAL_STEP_FAILURES"
	FailurePartialTool      FailureMode = "PARTIAL_TOOL_FAILURES"
	FailureTerminalSystem   FailureMode = "TERMINAL_SYSTEM"
	FailureTerminalPolicy   FailureMode = "TERMINAL_POLICY"
	FailureTerminalSecurity FailureMode = "TERMINAL_SECURITY"
	FailureTerminalUser     FailureMode = "TERMINAL_USER"
)

// FailureTraits is the fixed taxonomy entry for a mode.
type FailureTraits struct {
	Retryable   bool
	Terminal    bool
	Description string
}

var taxonomy = map[FailureMode]FailureTraits{
	FailureAgent:            {Description: "planner or tool logic defect"},
	FailureSystem:           {Retryable: true, Description: "transient infrastructure failure"},
	FailureResource:         {Retryable: true, Description: "budget or quota exhausted"},
	FailurePolicy:           {Description: "denied by guardrail or approval"},
	FailureUser:             {Description: "invalid input; fix and retry"},
	FailurePartialStep:      {Retryable: true, Description: "step failed mid-execution; checkpoint exists"},
	FailurePartialTool:      {Retryable: true, Description: "tool returned partial output; checkpoint exists"},
	FailureTerminalSystem:   {Terminal: true, Description: "unrecoverable infrastructure failure"},
	FailureTerminalPolicy:   {Terminal: true, Description: "permanently blocked by policy"},
	FailureTerminalSecurity: {Terminal: true, Description: "permission or authentication failure"},
	FailureTerminalUser:     {Terminal: true, Description: "cancelled by the caller"},
}

// Traits returns the taxonomy entry for m. Unknown modes are terminal.
func (m FailureMode) Traits() FailureTraits {
	if t, ok := taxonomy[m]; ok {
		return t
	}
	return FailureTraits{Terminal: true, Description: "unknown failure mode"}
}

// Retryable reports whether the kernel may retry a failure of this mode.
func (m FailureMode) Retryable() bool { return m.Traits().Retryable }

// Terminal reports whether the mode forbids any automatic recovery.
func (m FailureMode) Terminal() bool { return m.Traits().Terminal }

// Valid reports whether m is part of the taxonomy.
func (m FailureMode) Valid() bool {
	_, ok := taxonomy[m]
	return ok
}

// RecoveryStrategy is the suggested way to continue after a failure.
type RecoveryStrategy string

const (
	RecoveryRetryFailed         RecoveryStrategy = "retry_failed"
	RecoveryRetryFromCheckpoint RecoveryStrategy = "retry_from_checkpoint"
	RecoveryRetryAll            RecoveryStrategy = "retry_all"
	RecoveryManual              RecoveryStrategy = "manual"
)
