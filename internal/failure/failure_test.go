package failure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/model"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type partialErr struct{ out any }

func (p partialErr) Error() string      { return "tool crashed halfway" }
func (p partialErr) PartialOutput() any { return p.out }

func TestClassify(t *testing.T) {
	_, exceeded := budget.NewToolBudget(budget.Limits{CallCeiling: 1}).
		CheckAndReserve(budget.Reservation{Usage: budget.Usage{Calls: 2}})
	require.Error(t, exceeded)

	tests := []struct {
		name string
		err  error
		want model.FailureMode
	}{
		{"nil", nil, ""},
		{"budget", fmt.Errorf("reserve: %w", exceeded), model.FailureResource},
		{"cancelled", fmt.Errorf("step: %w", context.Canceled), model.FailureTerminalUser},
		{"deadline", context.DeadlineExceeded, model.FailureSystem},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, model.FailureSystem},
		{"permission", fmt.Errorf("open: %w", os.ErrPermission), model.FailureTerminalSecurity},
		{"timeout text", errors.New("upstream timed out"), model.FailureSystem},
		{"forbidden text", errors.New("403 Forbidden"), model.FailureTerminalSecurity},
		{"quota text", errors.New("monthly quota used up"), model.FailureResource},
		{"validation text", errors.New("invalid account id"), model.FailureUser},
		{"network text", errors.New("dial tcp: connection refused"), model.FailureSystem},
		{"policy text", errors.New("action blocked by guardrail"), model.FailurePolicy},
		{"partial tool output", partialErr{out: []int{1}}, model.FailurePartialTool},
		{"partial tool without output", partialErr{}, model.FailurePartialStep},
		{"unclassified", errors.New("something odd"), model.FailurePartialStep},
		{"sentinel", fmt.Errorf("wrap: %w", Sentinel(model.FailureAgent, "no tool")), model.FailureAgent},
		{"structured", New(errors.New("x"), model.FailureUser, nil), model.FailureUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDecideExponential(t *testing.T) {
	p := RetryPolicy{Strategy: StrategyExponential, BaseDelay: 100 * time.Millisecond, MaxWait: time.Second, MaxAttempts: 5}

	d := p.Decide(model.FailureSystem, 1)
	require.True(t, d.Retry)
	assert.Equal(t, 200*time.Millisecond, d.Delay)

	d = p.Decide(model.FailureSystem, 2)
	assert.Equal(t, 400*time.Millisecond, d.Delay)

	d = p.Decide(model.FailureSystem, 4)
	assert.Equal(t, time.Second, d.Delay, "capped at max wait")

	d = p.Decide(model.FailureSystem, 5)
	assert.False(t, d.Retry)
}

func TestDecideLargeDelaysSaturate(t *testing.T) {
	p := RetryPolicy{Strategy: StrategyExponential, BaseDelay: 10 * time.Second, MaxWait: time.Minute, MaxAttempts: 100}
	for _, attempt := range []int{30, 40, 63, 99} {
		d := p.Decide(model.FailureSystem, attempt)
		require.True(t, d.Retry)
		assert.Equal(t, time.Minute, d.Delay, "attempt %d", attempt)
	}

	unbounded := RetryPolicy{Strategy: StrategyExponential, BaseDelay: 10 * time.Second, MaxAttempts: 100, Jitter: 1}
	d := unbounded.Decide(model.FailureSystem, 40)
	assert.Equal(t, time.Duration(math.MaxInt64), d.Delay)

	linear := RetryPolicy{Strategy: StrategyLinear, BaseDelay: time.Duration(math.MaxInt64 / 2), MaxAttempts: 10}
	assert.Positive(t, linear.Decide(model.FailureSystem, 3).Delay)
}

func TestDecideJitterIsBounded(t *testing.T) {
	p := RetryPolicy{Strategy: StrategyExponential, BaseDelay: 100 * time.Millisecond, MaxAttempts: 3, Jitter: 0.5}.
		WithJitterSource(func(n int64) int64 { return n - 1 })

	d := p.Decide(model.FailureResource, 1)
	assert.Equal(t, 200*time.Millisecond+50*time.Millisecond-1, d.Delay)
}

func TestDecideLinearAndNone(t *testing.T) {
	linear := RetryPolicy{Strategy: StrategyLinear, BaseDelay: 50 * time.Millisecond, MaxAttempts: 4}
	assert.Equal(t, 50*time.Millisecond, linear.Decide(model.FailurePartialStep, 1).Delay)
	assert.Equal(t, 150*time.Millisecond, linear.Decide(model.FailurePartialStep, 3).Delay)

	none := RetryPolicy{Strategy: StrategyNone, MaxAttempts: 10}
	assert.False(t, none.Decide(model.FailureSystem, 1).Retry)
}

func TestDecideNeverRetriesNonRetryableModes(t *testing.T) {
	p := RetryPolicy{Strategy: StrategyExponential, BaseDelay: time.Millisecond, MaxAttempts: 100}
	for _, m := range []model.FailureMode{
		model.FailurePolicy, model.FailureUser, model.FailureAgent,
		model.FailureTerminalSystem, model.FailureTerminalSecurity, model.FailureTerminalPolicy,
	} {
		for attempt := 1; attempt < 5; attempt++ {
			assert.False(t, p.Decide(m, attempt).Retry, "%s attempt %d", m, attempt)
		}
	}
}

func TestSuggestRecovery(t *testing.T) {
	tests := []struct {
		name  string
		mode  model.FailureMode
		ratio float64
		want  model.RecoveryStrategy
	}{
		{"one of three done", model.FailureSystem, 1.0 / 3.0, model.RecoveryRetryFromCheckpoint},
		{"three of four done", model.FailurePartialStep, 0.75, model.RecoveryRetryFailed},
		{"quarter boundary", model.FailureResource, 0.25, model.RecoveryRetryFromCheckpoint},
		{"nothing done", model.FailureSystem, 0, model.RecoveryRetryAll},
		{"terminal overrides ratio", model.FailureTerminalSecurity, 0.9, model.RecoveryManual},
		{"policy overrides ratio", model.FailurePolicy, 0.9, model.RecoveryManual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SuggestRecovery(tt.mode, tt.ratio))
		})
	}
}

func TestErrorCarriesPartialAndUnwraps(t *testing.T) {
	p := model.NewPartialResult("trace-e", 3)
	p.AddCompletedStep("0:a", "ok", time.Now())

	cause := errors.New("dial tcp: connection reset by peer")
	fe := New(cause, "", p)
	fe.Step = "1:b"

	assert.Equal(t, model.FailureSystem, fe.Mode)
	assert.Equal(t, model.RecoveryRetryFromCheckpoint, fe.Recovery)
	assert.Equal(t, "trace-e", fe.TraceID)
	assert.ErrorIs(t, fe, cause)
	assert.True(t, fe.Retryable())
	assert.Contains(t, fe.Error(), "step 1:b")

	var target *Error
	require.ErrorAs(t, fmt.Errorf("outer: %w", fe), &target)
	assert.Same(t, p, target.Partial)
}
