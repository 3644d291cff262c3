package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/model"
)

type memRecorder struct {
	mu        sync.Mutex
	decisions []model.RoutingDecision
	err       error
}

func (r *memRecorder) RecordRoutingDecision(_ context.Context, d model.RoutingDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.decisions = append(r.decisions, d)
	return nil
}

func workers(ids ...string) []model.Worker {
	out := make([]model.Worker, len(ids))
	for i, id := range ids {
		out[i] = model.Worker{ID: id}
	}
	return out
}

func newAuthority(t *testing.T, kind PolicyKind) (*Authority, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	a, err := NewAuthority(kind, rec, nil)
	require.NoError(t, err)
	return a, rec
}

func TestRoundRobinDistribution(t *testing.T) {
	a, rec := newAuthority(t, KindRoundRobin)
	candidates := workers("A", "B", "C")

	counts := map[string]int{}
	for i := range 7 {
		d, err := a.SelectWorker(context.Background(), "t", model.PlanStep{ID: "s", Index: i}, candidates, "")
		require.NoError(t, err)
		counts[d.WorkerID]++
	}
	assert.Equal(t, map[string]int{"A": 3, "B": 2, "C": 2}, counts)
	assert.Len(t, rec.decisions, 7)
}

func TestRoundRobinFairnessUnderConcurrency(t *testing.T) {
	a, _ := newAuthority(t, KindRoundRobin)
	candidates := workers("w1", "w2", "w3", "w4")
	const n = 1003

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			d, err := a.SelectWorker(context.Background(), "t", model.PlanStep{ID: "s"}, candidates, KindRoundRobin)
			if err != nil {
				return
			}
			mu.Lock()
			counts[d.WorkerID]++
			mu.Unlock()
		})
	}
	wg.Wait()

	lo, hi := n/len(candidates), (n+len(candidates)-1)/len(candidates)
	total := 0
	for _, w := range candidates {
		c := counts[w.ID]
		assert.GreaterOrEqual(t, c, lo, w.ID)
		assert.LessOrEqual(t, c, hi, w.ID)
		total += c
	}
	assert.Equal(t, n, total)
}

func TestCapabilityBased(t *testing.T) {
	a, rec := newAuthority(t, KindCapabilityBased)
	candidates := []model.Worker{
		{ID: "zeta", Capabilities: []string{"search", "crm"}},
		{ID: "beta", Capabilities: []string{"crm", "search", "write"}},
		{ID: "alpha", Capabilities: []string{"search"}},
	}

	d, err := a.SelectWorker(context.Background(), "trace-c",
		model.PlanStep{ID: "0:lookup", Capabilities: []string{"crm", "search"}}, candidates, "")
	require.NoError(t, err)
	assert.Equal(t, "beta", d.WorkerID)
	assert.Equal(t, "capability_based", d.PolicyName)
	assert.Equal(t, []string{"zeta", "alpha"}, d.AlternativesConsidered)
	assert.Equal(t, "trace-c", d.TraceID)
	require.Len(t, rec.decisions, 1)

	_, err = a.SelectWorker(context.Background(), "trace-c",
		model.PlanStep{ID: "1:pay", Capabilities: []string{"payments"}}, candidates, "")
	assert.ErrorIs(t, err, ErrNoCapableWorker)
	assert.Equal(t, model.FailureAgent, failure.Classify(err))
	assert.Len(t, rec.decisions, 1, "failed selection is not recorded")
}

func TestLoadBalanced(t *testing.T) {
	a, _ := newAuthority(t, KindLoadBalanced)
	candidates := workers("c", "a", "b")

	releaseA := a.Loads().Acquire("a")
	a.Loads().Acquire("a")
	a.Loads().Acquire("c")

	d, err := a.SelectWorker(context.Background(), "t", model.PlanStep{ID: "s"}, candidates, "")
	require.NoError(t, err)
	assert.Equal(t, "b", d.WorkerID)

	releaseB := a.Loads().Acquire("b")
	d, err = a.SelectWorker(context.Background(), "t", model.PlanStep{ID: "s"}, candidates, "")
	require.NoError(t, err)
	assert.Equal(t, "b", d.WorkerID, "tie between b and c breaks by id")

	releaseB()
	releaseB()
	releaseA()
	assert.Equal(t, int64(1), a.Loads().InFlight("a"))
	assert.Equal(t, int64(0), a.Loads().InFlight("b"))
	assert.Equal(t, map[string]int64{"a": 1, "c": 1}, a.Loads().Snapshot())
}

func TestSelectWorkerErrors(t *testing.T) {
	a, rec := newAuthority(t, KindRoundRobin)

	_, err := a.SelectWorker(context.Background(), "t", model.PlanStep{ID: "s"}, nil, "")
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.Equal(t, model.FailureResource, failure.Classify(err))

	_, err = a.SelectWorker(context.Background(), "t", model.PlanStep{ID: "s"}, workers("x"), "random")
	assert.Error(t, err)

	rec.err = errors.New("disk full")
	_, err = a.SelectWorker(context.Background(), "t", model.PlanStep{ID: "s"}, workers("x"), "")
	assert.ErrorContains(t, err, "record decision")

	_, err = NewAuthority("fastest", nil, nil)
	assert.Error(t, err)
}

func TestParsePolicyKind(t *testing.T) {
	k, err := ParsePolicyKind("Round-Robin")
	require.NoError(t, err)
	assert.Equal(t, KindRoundRobin, k)

	_, err = ParsePolicyKind("weighted")
	assert.Error(t, err)
}

func TestPool(t *testing.T) {
	p := NewPool(workers("a", "b")...)
	p.Add(model.Worker{ID: "a", Capabilities: []string{"x"}})
	p.Add(model.Worker{ID: "c"})
	p.Remove("b")

	got := p.Candidates()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, []string{"x"}, got[0].Capabilities)
	assert.Equal(t, "c", got[1].ID)
}
