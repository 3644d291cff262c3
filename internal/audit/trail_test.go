package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikumi/internal/integrity"
	"github.com/ashita-ai/shikumi/internal/model"
)

func newTrail(t *testing.T, b Backend, opts ...Option) *Trail {
	t.Helper()
	tr, err := NewTrail(context.Background(), b, nil, opts...)
	require.NoError(t, err)
	return tr
}

func TestTrailRecordsAndFiltersByType(t *testing.T) {
	ctx := context.Background()
	tr := newTrail(t, NewMemory())

	require.NoError(t, tr.RecordPlan(ctx, PlanEntry{
		TraceID: "t1", PlanID: "p1", Goal: "find overdue invoices",
		Steps: []string{"0:search", "1:notify"}, Alternatives: []string{"export"},
	}))
	require.NoError(t, tr.RecordPlanStep(ctx, "t1", "p1", model.PlanStep{ID: "0:search", Tool: "search"}, "score 5"))
	require.NoError(t, tr.RecordRoutingDecision(ctx, model.RoutingDecision{
		TraceID: "t1", WorkerID: "w1", PolicyName: "round_robin",
		AlternativesConsidered: []string{"w2"}, Reasoning: "slot 0", StepID: "0:search",
	}))
	require.NoError(t, tr.RecordApproval(ctx, ApprovalEntry{
		TraceID: "t1", RequestID: "a1", Operation: "notify", Status: "APPROVED", Approver: "alice", Reason: "ok",
	}))
	require.NoError(t, tr.RecordPlan(ctx, PlanEntry{TraceID: "other", PlanID: "p2", Goal: "x"}))

	all, err := tr.GetTraceHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "find overdue invoices", all[0].Reason)
	assert.Equal(t, 2, all[0].Metadata["step_count"])
	assert.Equal(t, []string{"export"}, all[0].Alternatives)

	planning, err := tr.GetPlanningHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, planning, 2)

	routing, err := tr.GetRoutingHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, routing, 1)
	assert.Equal(t, "w1", routing[0].Target)
	assert.Equal(t, []string{"w2"}, routing[0].Alternatives)

	approvals, err := tr.GetApprovalHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "alice", approvals[0].Metadata["approver"])
}

func TestTrailTimestampsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second), base.Add(-time.Minute)}
	i := 0
	tr := newTrail(t, NewMemory(), WithClock(func() time.Time {
		ts := clock[i%len(clock)]
		i++
		return ts
	}))

	for range 4 {
		_, err := tr.Append(ctx, model.DecisionRecord{TraceID: "t", DecisionType: model.DecisionRouting})
		require.NoError(t, err)
	}
	recs, err := tr.GetTraceHistory(ctx, "t")
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for j := 1; j < len(recs); j++ {
		assert.False(t, recs[j].Timestamp.Before(recs[j-1].Timestamp))
		assert.Equal(t, recs[j-1].Sequence+1, recs[j].Sequence)
	}
}

func TestTrailConcurrentAppendsKeepOrderAndChain(t *testing.T) {
	ctx := context.Background()
	tr := newTrail(t, NewMemory())

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Go(func() {
			for i := range 25 {
				_, err := tr.Append(ctx, model.DecisionRecord{
					TraceID:      fmt.Sprintf("trace-%d", w%3),
					DecisionType: model.DecisionRouting,
					Target:       fmt.Sprintf("w%d-%d", w, i),
				})
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	total := 0
	for i := range 3 {
		traceID := fmt.Sprintf("trace-%d", i)
		recs, err := tr.GetTraceHistory(ctx, traceID)
		require.NoError(t, err)
		total += len(recs)
		for j := 1; j < len(recs); j++ {
			assert.Less(t, recs[j-1].Sequence, recs[j].Sequence)
			assert.False(t, recs[j].Timestamp.Before(recs[j-1].Timestamp))
		}
		root, err := tr.VerifyTrace(ctx, traceID)
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	}
	assert.Equal(t, 200, total)
}

func TestTrailRecordsAreImmutableCopies(t *testing.T) {
	ctx := context.Background()
	tr := newTrail(t, NewMemory())

	meta := map[string]any{"k": "v"}
	alts := []string{"a"}
	_, err := tr.Append(ctx, model.DecisionRecord{TraceID: "t", DecisionType: model.DecisionPlanning, Metadata: meta, Alternatives: alts})
	require.NoError(t, err)
	meta["k"] = "changed"
	alts[0] = "changed"

	recs, err := tr.GetTraceHistory(ctx, "t")
	require.NoError(t, err)
	recs[0].Metadata["k"] = "mutated by reader"

	again, err := tr.GetTraceHistory(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "v", again[0].Metadata["k"])
	assert.Equal(t, []string{"a"}, again[0].Alternatives)
}

func TestTrailRejectsBadRecords(t *testing.T) {
	tr := newTrail(t, NewMemory())
	_, err := tr.Append(context.Background(), model.DecisionRecord{DecisionType: model.DecisionRouting})
	assert.ErrorIs(t, err, model.ErrMissingTraceID)

	_, err = tr.Append(context.Background(), model.DecisionRecord{TraceID: "t", DecisionType: "billing"})
	assert.Error(t, err)
}

type failingBackend struct {
	*Memory
	fail bool
}

func (f *failingBackend) Append(ctx context.Context, rec model.DecisionRecord) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.Append(ctx, rec)
}

func TestTrailFailedWriteDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	fb := &failingBackend{Memory: NewMemory()}
	tr := newTrail(t, fb)

	_, err := tr.Append(ctx, model.DecisionRecord{TraceID: "t", DecisionType: model.DecisionRouting})
	require.NoError(t, err)

	fb.fail = true
	_, err = tr.Append(ctx, model.DecisionRecord{TraceID: "t", DecisionType: model.DecisionRouting})
	require.Error(t, err)

	fb.fail = false
	rec, err := tr.Append(ctx, model.DecisionRecord{TraceID: "t", DecisionType: model.DecisionRouting})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence)

	_, err = tr.VerifyTrace(ctx, "t")
	assert.NoError(t, err)
}

func TestVerifyTraceDetectsTampering(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	tr := newTrail(t, mem)
	for i := range 3 {
		_, err := tr.Append(ctx, model.DecisionRecord{TraceID: "t", DecisionType: model.DecisionRouting, Target: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	mem.mu.Lock()
	mem.byTrace["t"][1].Target = "forged"
	mem.mu.Unlock()

	_, err := tr.VerifyTrace(ctx, "t")
	var br *integrity.ChainBreak
	require.ErrorAs(t, err, &br)
	assert.Equal(t, int64(2), br.Sequence)
}

func TestTrailResumesSequenceAndChainFromBackend(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	first := newTrail(t, mem)
	for range 3 {
		_, err := first.Append(ctx, model.DecisionRecord{TraceID: "t", DecisionType: model.DecisionApproval})
		require.NoError(t, err)
	}

	second := newTrail(t, mem)
	rec, err := second.Append(ctx, model.DecisionRecord{TraceID: "t", DecisionType: model.DecisionApproval})
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Sequence)

	_, err = second.VerifyTrace(ctx, "t")
	assert.NoError(t, err)
	assert.Equal(t, []string{"t"}, mem.Traces())
}
