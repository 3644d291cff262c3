package failure

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ashita-ai/shikumi/internal/model"
)

// Strategy selects the backoff curve.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyNone        Strategy = "none"
)

// ParseStrategy validates s.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyExponential, StrategyLinear, StrategyNone:
		return st, nil
	}
	return "", fmt.Errorf("failure: unknown retry strategy %q", s)
}

// RetryPolicy decides whether a failed attempt is retried and after how long.
type RetryPolicy struct {
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxWait     time.Duration
	MaxAttempts int
	// Jitter is the fraction of BaseDelay added at random to exponential delays.
	Jitter float64

	// jitterFn returns a value in [0, n). Nil uses math/rand/v2.
	jitterFn func(n int64) int64
}

// DefaultRetryPolicy is exponential from 500ms, capped at 30s, three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:    StrategyExponential,
		BaseDelay:   500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		MaxAttempts: 3,
		Jitter:      0.2,
	}
}

// WithJitterSource returns a copy of p that draws jitter from fn.
func (p RetryPolicy) WithJitterSource(fn func(n int64) int64) RetryPolicy {
	p.jitterFn = fn
	return p
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Decide evaluates a failure of the given mode on the given 1-based attempt.
func (p RetryPolicy) Decide(mode model.FailureMode, attempt int) Decision {
	switch {
	case !mode.Retryable():
		return Decision{Reason: fmt.Sprintf("%s failures are not retryable", mode)}
	case p.Strategy == StrategyNone || p.Strategy == "":
		return Decision{Reason: "retry strategy is none"}
	case attempt >= p.MaxAttempts:
		return Decision{Reason: fmt.Sprintf("attempt %d reached max attempts %d", attempt, p.MaxAttempts)}
	}

	var delay time.Duration
	switch p.Strategy {
	case StrategyLinear:
		delay = saturate(float64(p.BaseDelay) * float64(attempt))
	default:
		delay = saturate(math.Ldexp(float64(p.BaseDelay), attempt))
		if j := p.jitter(); delay <= math.MaxInt64-j {
			delay += j
		}
	}
	if p.MaxWait > 0 && delay > p.MaxWait {
		delay = p.MaxWait
	}
	return Decision{
		Retry:  true,
		Delay:  delay,
		Reason: fmt.Sprintf("%s retry %d after %s", p.Strategy, attempt, delay),
	}
}

// saturate converts d nanoseconds to a Duration, clamping at the largest
// representable value instead of wrapping negative.
func saturate(d float64) time.Duration {
	if d >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(d)
}

func (p RetryPolicy) jitter() time.Duration {
	n := int64(float64(p.BaseDelay) * p.Jitter)
	if n <= 0 {
		return 0
	}
	if p.jitterFn != nil {
		return time.Duration(p.jitterFn(n))
	}
	return time.Duration(rand.Int64N(n)) //nolint:gosec // jitter doesn't need crypto-strength randomness
}
