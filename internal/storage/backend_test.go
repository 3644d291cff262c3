package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/executor"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/storage"
)

// store is what both relational backends provide.
type store interface {
	audit.Backend
	executor.Checkpointer
}

// exerciseStore runs the shared contract against s.
func exerciseStore(t *testing.T, s store) {
	t.Helper()
	ctx := context.Background()

	t.Run("trail round trip", func(t *testing.T) {
		tr, err := audit.NewTrail(ctx, s, nil)
		require.NoError(t, err)

		trace := "trace-" + t.Name()
		require.NoError(t, tr.RecordPlan(ctx, audit.PlanEntry{
			TraceID: trace, PlanID: "plan-1", Goal: "sync accounts",
			Steps: []string{"0:crm.search"}, Alternatives: []string{"report.render"},
		}))
		require.NoError(t, tr.RecordRoutingDecision(ctx, model.RoutingDecision{
			TraceID: trace, StepID: "0:crm.search", StepIndex: 0, WorkerID: "worker-a",
			PolicyName: "capability_based", Reasoning: "lowest capable id",
			AlternativesConsidered: []string{"worker-b"},
		}))
		require.NoError(t, tr.RecordApproval(ctx, audit.ApprovalEntry{
			TraceID: trace, RequestID: "req-1", Operation: "crm.update",
			Status: "approved", Approver: "ops", RiskLevel: "high",
		}))

		recs, err := tr.GetTraceHistory(ctx, trace)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, model.DecisionPlanning, recs[0].DecisionType)
		assert.Equal(t, []string{"report.render"}, recs[0].Alternatives)
		assert.Equal(t, "worker-a", recs[1].Target)
		assert.Equal(t, "capability_based", recs[1].Metadata["policy"])
		assert.Equal(t, "ops", recs[2].Metadata["approver"])
		assert.Equal(t, time.UTC, recs[0].Timestamp.Location())
		for i := 1; i < len(recs); i++ {
			assert.Greater(t, recs[i].Sequence, recs[i-1].Sequence)
		}

		_, err = tr.VerifyTrace(ctx, trace)
		require.NoError(t, err, "hash chain must survive the database round trip")

		seq, err := s.MaxSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, recs[2].Sequence, seq)

		none, err := s.Query(ctx, "no-such-trace")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("duplicate sequence rejected", func(t *testing.T) {
		seq, err := s.MaxSequence(ctx)
		require.NoError(t, err)
		rec := model.DecisionRecord{
			ID: uuid.New(), TraceID: "dup", DecisionType: model.DecisionRouting, Target: "w",
			Sequence: seq + 1, Timestamp: time.Now().UTC(),
		}
		require.NoError(t, s.Append(ctx, rec))
		rec.ID = uuid.New()
		assert.Error(t, s.Append(ctx, rec))
	})

	t.Run("checkpoint save replaces", func(t *testing.T) {
		p := model.NewPartialResult("trace-cp", 3)
		p.AddCompletedStep("0:crm.search", map[string]any{"rows": 2.0}, time.Now())
		p.MarkFailed("1:crm.update", model.FailurePartialStep, "boom")
		require.NoError(t, s.Save(ctx, "run-1", p))

		p.ClearFailure()
		p.AddCompletedStep("1:crm.update", "ok", time.Now())
		require.NoError(t, s.Save(ctx, "run-1", p))

		got, err := s.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "trace-cp", got.TraceID)
		assert.Equal(t, []string{"0:crm.search", "1:crm.update"}, got.CompletedSteps)
		assert.Equal(t, map[string]any{"rows": 2.0}, got.StepResults["0:crm.search"])
		assert.Nil(t, got.FailurePoint)
		assert.InDelta(t, 2.0/3.0, got.CompletionRatio(), 1e-9)
	})

	t.Run("missing checkpoint", func(t *testing.T) {
		_, err := s.Load(ctx, "run-missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, err, executor.ErrCheckpointNotFound)
	})
}
