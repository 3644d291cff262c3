package budget

import "sync"

// DefaultWarnRatio is the utilization at which a warning is raised.
const DefaultWarnRatio = 0.8

// Enforcer wraps a ToolBudget for one plan and reports the first time
// utilization crosses the warning ratio.
type Enforcer struct {
	budget    *ToolBudget
	warnRatio float64

	mu     sync.Mutex
	warned bool
}

// NewEnforcer returns an Enforcer. A non-positive ratio uses DefaultWarnRatio.
func NewEnforcer(b *ToolBudget, warnRatio float64) *Enforcer {
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = DefaultWarnRatio
	}
	return &Enforcer{budget: b, warnRatio: warnRatio}
}

// Budget returns the enforced budget.
func (e *Enforcer) Budget() *ToolBudget { return e.budget }

// Result is the outcome of a successful reservation.
type Result struct {
	Receipt     Receipt
	Utilization float64
	// Warning is true only for the reservation that first crossed the ratio.
	Warning bool
}

// Reserve calls CheckAndReserve and evaluates the warning threshold.
func (e *Enforcer) Reserve(r Reservation) (Result, error) {
	rc, err := e.budget.CheckAndReserve(r)
	if err != nil {
		return Result{}, err
	}
	u := e.budget.Utilization()
	res := Result{Receipt: rc, Utilization: u}

	e.mu.Lock()
	if !e.warned && u >= e.warnRatio {
		e.warned = true
		res.Warning = true
	}
	e.mu.Unlock()
	return res, nil
}

// Release refunds rc.
func (e *Enforcer) Release(rc Receipt) { e.budget.Release(rc) }
