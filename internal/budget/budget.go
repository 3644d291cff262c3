// Package budget tracks and enforces cost, call and token ceilings for a plan.
//
// A ToolBudget has a total scope plus optional per-domain and per-tool
// partitions. CheckAndReserve validates every affected scope and applies the
// reservation under one lock, so concurrent reservations are linearizable and
// the sum of successful reservations never exceeds any ceiling.
package budget

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExceeded is matched by every *ExceededError.
var ErrExceeded = errors.New("budget: exceeded")

// ErrInvalidReservation is returned for negative or empty reservations.
var ErrInvalidReservation = errors.New("budget: invalid reservation")

// Dimension names one tracked resource.
type Dimension string

const (
	DimensionCost   Dimension = "cost"
	DimensionCalls  Dimension = "calls"
	DimensionTokens Dimension = "tokens"
)

// Limits are the ceilings of one scope. A zero ceiling is unbounded.
type Limits struct {
	CostCeiling  float64 `json:"cost_ceiling"`
	CallCeiling  int64   `json:"call_ceiling"`
	TokenCeiling int64   `json:"token_ceiling"`
}

// Usage is an amount of each dimension.
type Usage struct {
	Cost   float64 `json:"cost"`
	Calls  int64   `json:"calls"`
	Tokens int64   `json:"tokens"`
}

func (u Usage) add(o Usage) Usage {
	return Usage{Cost: u.Cost + o.Cost, Calls: u.Calls + o.Calls, Tokens: u.Tokens + o.Tokens}
}

func (u Usage) sub(o Usage) Usage {
	return Usage{Cost: u.Cost - o.Cost, Calls: u.Calls - o.Calls, Tokens: u.Tokens - o.Tokens}
}

// Reservation is a request to consume resources before a tool call.
type Reservation struct {
	Usage
	Domain string
	Tool   string
}

// Receipt identifies an applied reservation so it can be released.
type Receipt struct {
	Reservation
	id uint64
}

// ExceededError describes the first ceiling a reservation would violate.
type ExceededError struct {
	Dimension Dimension
	Scope     string // "total", "domain:<name>" or "tool:<name>"
	Ceiling   float64
	Spent     float64
	Requested float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s %s ceiling exceeded: spent %g + requested %g > ceiling %g",
		e.Scope, e.Dimension, e.Spent, e.Requested, e.Ceiling)
}

// Is reports ErrExceeded so callers can branch without type assertions.
func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }

type scope struct {
	name   string
	limits Limits
	spent  Usage
}

// fits returns the first violated dimension, or nil.
func (s *scope) fits(u Usage) *ExceededError {
	if s.limits.CostCeiling > 0 && s.spent.Cost+u.Cost > s.limits.CostCeiling {
		return &ExceededError{Dimension: DimensionCost, Scope: s.name, Ceiling: s.limits.CostCeiling, Spent: s.spent.Cost, Requested: u.Cost}
	}
	if s.limits.CallCeiling > 0 && s.spent.Calls+u.Calls > s.limits.CallCeiling {
		return &ExceededError{Dimension: DimensionCalls, Scope: s.name, Ceiling: float64(s.limits.CallCeiling), Spent: float64(s.spent.Calls), Requested: float64(u.Calls)}
	}
	if s.limits.TokenCeiling > 0 && s.spent.Tokens+u.Tokens > s.limits.TokenCeiling {
		return &ExceededError{Dimension: DimensionTokens, Scope: s.name, Ceiling: float64(s.limits.TokenCeiling), Spent: float64(s.spent.Tokens), Requested: float64(u.Tokens)}
	}
	return nil
}

// utilization is the highest spent/ceiling ratio over bounded dimensions.
func (s *scope) utilization() float64 {
	var u float64
	if s.limits.CostCeiling > 0 {
		u = max(u, s.spent.Cost/s.limits.CostCeiling)
	}
	if s.limits.CallCeiling > 0 {
		u = max(u, float64(s.spent.Calls)/float64(s.limits.CallCeiling))
	}
	if s.limits.TokenCeiling > 0 {
		u = max(u, float64(s.spent.Tokens)/float64(s.limits.TokenCeiling))
	}
	return u
}

// ToolBudget is safe for concurrent use.
type ToolBudget struct {
	mu       sync.Mutex
	total    scope
	domains  map[string]*scope
	tools    map[string]*scope
	released map[uint64]bool
	nextID   uint64
}

// NewToolBudget returns a budget with the given total ceilings.
func NewToolBudget(total Limits) *ToolBudget {
	return &ToolBudget{
		total:    scope{name: "total", limits: total},
		domains:  map[string]*scope{},
		tools:    map[string]*scope{},
		released: map[uint64]bool{},
	}
}

// WithDomainLimit partitions the budget for one domain. Returns b for chaining.
func (b *ToolBudget) WithDomainLimit(domain string, l Limits) *ToolBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.domains[domain] = &scope{name: "domain:" + domain, limits: l}
	return b
}

// WithToolLimit partitions the budget for one tool. Returns b for chaining.
func (b *ToolBudget) WithToolLimit(tool string, l Limits) *ToolBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[tool] = &scope{name: "tool:" + tool, limits: l}
	return b
}

// scopesFor returns every scope a reservation touches, total first.
func (b *ToolBudget) scopesFor(domain, tool string) []*scope {
	out := []*scope{&b.total}
	if s, ok := b.domains[domain]; ok && domain != "" {
		out = append(out, s)
	}
	if s, ok := b.tools[tool]; ok && tool != "" {
		out = append(out, s)
	}
	return out
}

// CheckAndReserve applies r to every affected scope if and only if all of
// them can absorb it. On failure nothing changes.
func (b *ToolBudget) CheckAndReserve(r Reservation) (Receipt, error) {
	if r.Cost < 0 || r.Calls < 0 || r.Tokens < 0 {
		return Receipt{}, fmt.Errorf("%w: negative amount", ErrInvalidReservation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	scopes := b.scopesFor(r.Domain, r.Tool)
	for _, s := range scopes {
		if err := s.fits(r.Usage); err != nil {
			return Receipt{}, err
		}
	}
	for _, s := range scopes {
		s.spent = s.spent.add(r.Usage)
	}
	b.nextID++
	return Receipt{Reservation: r, id: b.nextID}, nil
}

// Release refunds a reservation whose tool call never ran. Releasing the
// same receipt twice, or a zero receipt, is a no-op.
func (b *ToolBudget) Release(rc Receipt) {
	if rc.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released[rc.id] {
		return
	}
	b.released[rc.id] = true
	for _, s := range b.scopesFor(rc.Domain, rc.Tool) {
		s.spent = s.spent.sub(rc.Usage)
	}
}

// Charge adds spend that already happened, such as an earlier attempt of
// the same run, to the total scope. Ceilings are not checked: spend may end
// above one, and every later reservation is then rejected.
func (b *ToolBudget) Charge(u Usage) error {
	if u.Cost < 0 || u.Calls < 0 || u.Tokens < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidReservation)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total.spent = b.total.spent.add(u)
	return nil
}

// Fits reports whether an estimate would fit on top of current spend in
// the total scope, without reserving anything.
func (b *ToolBudget) Fits(estimate Usage) *ExceededError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total.fits(estimate)
}

// FitsScoped is Fits for a set of per-domain and per-tool estimates.
func (b *ToolBudget) FitsScoped(byDomain, byTool map[string]Usage) *ExceededError {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range sortedKeys(byDomain) {
		if s, ok := b.domains[k]; ok {
			if err := s.fits(byDomain[k]); err != nil {
				return err
			}
		}
	}
	for _, k := range sortedKeys(byTool) {
		if s, ok := b.tools[k]; ok {
			if err := s.fits(byTool[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Utilization is the highest spent/ceiling ratio across all scopes.
func (b *ToolBudget) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.total.utilization()
	for _, s := range b.domains {
		u = max(u, s.utilization())
	}
	for _, s := range b.tools {
		u = max(u, s.utilization())
	}
	return u
}

// Spent returns the total spend.
func (b *ToolBudget) Spent() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total.spent
}

// Limits returns the total ceilings.
func (b *ToolBudget) Limits() Limits {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total.limits
}

// ScopeSnapshot is the state of one scope.
type ScopeSnapshot struct {
	Scope  string `json:"scope"`
	Limits Limits `json:"limits"`
	Spent  Usage  `json:"spent"`
}

// Snapshot returns every scope, total first, then domains and tools by name.
func (b *ToolBudget) Snapshot() []ScopeSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []ScopeSnapshot{{Scope: b.total.name, Limits: b.total.limits, Spent: b.total.spent}}
	for _, k := range sortedKeys(b.domains) {
		s := b.domains[k]
		out = append(out, ScopeSnapshot{Scope: s.name, Limits: s.limits, Spent: s.spent})
	}
	for _, k := range sortedKeys(b.tools) {
		s := b.tools[k]
		out = append(out, ScopeSnapshot{Scope: s.name, Limits: s.limits, Spent: s.spent})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
