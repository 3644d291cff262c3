package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartialResultCompletionRatioIsMonotonic(t *testing.T) {
	p := NewPartialResult("t", 4)
	assert.Zero(t, p.CompletionRatio())

	prev := 0.0
	for _, name := range []string{"0:a", "1:b", "1:b", "2:c"} {
		p.AddCompletedStep(name, name, time.Now())
		ratio := p.CompletionRatio()
		assert.GreaterOrEqual(t, ratio, prev)
		prev = ratio
	}
	assert.Equal(t, []string{"0:a", "1:b", "2:c"}, p.CompletedSteps)
	assert.InDelta(t, 0.75, p.CompletionRatio(), 1e-9)
}

func TestPartialResultAddCompletedStepKeepsFirstResult(t *testing.T) {
	p := NewPartialResult("t", 2)
	p.AddCompletedStep("0:a", "first", time.Now())
	p.AddCompletedStep("0:a", "second", time.Now())
	assert.Equal(t, "first", p.StepResults["0:a"])
}

func TestPartialResultRecoverability(t *testing.T) {
	tests := []struct {
		mode FailureMode
		want bool
	}{
		{"", true},
		{FailureSystem, true},
		{FailureResource, true},
		{FailurePartialStep, true},
		{FailurePartialTool, true},
		{FailurePolicy, false},
		{FailureUser, false},
		{FailureAgent, false},
		{FailureTerminalSecurity, false},
		{FailureTerminalUser, false},
		{FailureMode("BOGUS"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			p := NewPartialResult("t", 3)
			if tt.mode != "" {
				p.MarkFailed("1:b", tt.mode, "boom")
			}
			assert.Equal(t, tt.want, p.IsRecoverable())
		})
	}
}

func TestPartialResultFailureClearedOnCompletion(t *testing.T) {
	p := NewPartialResult("t", 2)
	p.MarkFailed("0:a", FailureSystem, "timeout")
	require.NotNil(t, p.FailurePoint)

	p.AddCompletedStep("0:a", 1, time.Now())
	assert.Nil(t, p.FailurePoint)
	assert.Empty(t, p.FailureMode)
	assert.Equal(t, []string{"0:a"}, p.FailedSteps, "failure history is kept")
}

func TestPartialResultCloneIsIndependent(t *testing.T) {
	p := NewPartialResult("t", 2)
	p.AddCompletedStep("0:a", "x", time.Now())
	p.MarkFailed("1:b", FailureSystem, "down")

	c := p.Clone()
	c.AddCompletedStep("1:b", "y", time.Now())
	*c.FailurePoint = "mutated"

	assert.Len(t, p.CompletedSteps, 1)
	assert.NotContains(t, p.StepResults, "1:b")
	assert.Equal(t, "1:b", *p.FailurePoint)
	assert.Nil(t, (*PartialResult)(nil).Clone())
}
