package routing

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/ashita-ai/shikumi/internal/model"
)

// PolicyKind names a routing strategy.
type PolicyKind string

const (
	KindRoundRobin      PolicyKind = "round_robin"
	KindCapabilityBased PolicyKind = "capability_based"
	KindLoadBalanced    PolicyKind = "load_balanced"
)

// ParsePolicyKind accepts the canonical names plus hyphenated spellings.
func ParsePolicyKind(s string) (PolicyKind, error) {
	k := PolicyKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch k {
	case KindRoundRobin, KindCapabilityBased, KindLoadBalanced:
		return k, nil
	}
	return "", fmt.Errorf("routing: unknown policy %q", s)
}

// selection is what a policy returns: the chosen candidate and why.
type selection struct {
	worker    model.Worker
	reasoning string
}

// Policy is the closed family of routing strategies. The unexported method
// keeps implementations inside this package.
type Policy interface {
	Kind() PolicyKind
	sealed()
	selectWorker(step model.PlanStep, candidates []model.Worker, loads LoadView) (selection, error)
}

// LoadView reports the current in-flight count of a worker.
type LoadView interface {
	InFlight(workerID string) int64
}

// RoundRobin cycles through candidates with a shared atomic counter. Over N
// selections with K candidates each is chosen floor(N/K) or ceil(N/K) times.
type RoundRobin struct {
	counter atomic.Uint64
}

func (*RoundRobin) Kind() PolicyKind { return KindRoundRobin }
func (*RoundRobin) sealed()          {}

func (p *RoundRobin) selectWorker(_ model.PlanStep, candidates []model.Worker, _ LoadView) (selection, error) {
	n := p.counter.Add(1) - 1
	idx := n % uint64(len(candidates))
	return selection{
		worker:    candidates[idx],
		reasoning: fmt.Sprintf("round-robin slot %d of %d", idx, len(candidates)),
	}, nil
}

// CapabilityBased keeps candidates that declare every capability the step
// needs and picks the lowest ID among them.
type CapabilityBased struct{}

func (CapabilityBased) Kind() PolicyKind { return KindCapabilityBased }
func (CapabilityBased) sealed()          {}

func (CapabilityBased) selectWorker(step model.PlanStep, candidates []model.Worker, _ LoadView) (selection, error) {
	var capable []model.Worker
	for _, w := range candidates {
		if w.Can(step.Capabilities) {
			capable = append(capable, w)
		}
	}
	if len(capable) == 0 {
		return selection{}, fmt.Errorf("%w: step %s needs [%s]", ErrNoCapableWorker, step.ID, strings.Join(step.Capabilities, ", "))
	}
	best := slices.MinFunc(capable, func(a, b model.Worker) int { return strings.Compare(a.ID, b.ID) })
	return selection{
		worker:    best,
		reasoning: fmt.Sprintf("%d of %d candidates declare [%s]; lowest id wins", len(capable), len(candidates), strings.Join(step.Capabilities, ", ")),
	}, nil
}

// LoadBalanced picks the candidate with the fewest in-flight steps, lowest ID
// on ties.
type LoadBalanced struct{}

func (LoadBalanced) Kind() PolicyKind { return KindLoadBalanced }
func (LoadBalanced) sealed()          {}

func (LoadBalanced) selectWorker(_ model.PlanStep, candidates []model.Worker, loads LoadView) (selection, error) {
	best := candidates[0]
	bestLoad := loads.InFlight(best.ID)
	for _, w := range candidates[1:] {
		l := loads.InFlight(w.ID)
		if l < bestLoad || (l == bestLoad && w.ID < best.ID) {
			best, bestLoad = w, l
		}
	}
	return selection{
		worker:    best,
		reasoning: fmt.Sprintf("lowest in-flight count (%d) among %d candidates", bestLoad, len(candidates)),
	}, nil
}

// PolicyFor constructs a fresh policy of kind k.
func PolicyFor(k PolicyKind) (Policy, error) {
	switch k {
	case KindRoundRobin:
		return &RoundRobin{}, nil
	case KindCapabilityBased:
		return CapabilityBased{}, nil
	case KindLoadBalanced:
		return LoadBalanced{}, nil
	}
	return nil, fmt.Errorf("routing: unknown policy %q", k)
}
