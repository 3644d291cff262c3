// Package audit records every planning, routing and approval decision as an
// immutable DecisionRecord and answers per-trace history queries.
//
// Trail serializes all writers through one mutex: each record gets the next
// sequence number, a timestamp no earlier than the previous record's, and a
// hash chained to the previous record of the same trace. Backends are
// pluggable (memory, JSON-lines file, SQLite, Postgres).
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikumi/internal/integrity"
	"github.com/ashita-ai/shikumi/internal/model"
)

// maxCachedChains bounds the per-trace chain-head cache. A miss reloads the
// head from the backend.
const maxCachedChains = 10_000

// Trail is safe for concurrent use.
type Trail struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	seq    int64
	lastTS time.Time
	heads  map[string]string // trace_id -> hash of its latest record
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// NewTrail wraps backend, resuming the sequence from what it already holds.
func NewTrail(ctx context.Context, backend Backend, logger *slog.Logger, opts ...Option) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seq, err := backend.MaxSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load sequence: %w", err)
	}
	t := &Trail{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		seq:     seq,
		heads:   map[string]string{},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Backend returns the underlying storage.
func (t *Trail) Backend() Backend { return t.backend }

// Append writes rec after assigning ID, sequence, timestamp and hashes. The
// caller's metadata and alternatives are copied. The stored record is
// returned.
func (t *Trail) Append(ctx context.Context, rec model.DecisionRecord) (model.DecisionRecord, error) {
	if rec.TraceID == "" {
		return model.DecisionRecord{}, model.ErrMissingTraceID
	}
	if !rec.DecisionType.Valid() {
		return model.DecisionRecord{}, fmt.Errorf("audit: unknown decision type %q", rec.DecisionType)
	}
	rec = rec.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, err := t.headLocked(ctx, rec.TraceID)
	if err != nil {
		return model.DecisionRecord{}, err
	}

	// Microsecond precision survives every backend, so hashes verify after a round trip.
	ts := t.now().UTC().Truncate(time.Microsecond)
	if ts.Before(t.lastTS) {
		ts = t.lastTS
	}
	rec.ID = uuid.New()
	rec.Sequence = t.seq + 1
	rec.Timestamp = ts
	rec.PrevHash = prev
	rec.Hash, err = integrity.RecordHash(prev, rec)
	if err != nil {
		return model.DecisionRecord{}, err
	}

	if err := t.backend.Append(ctx, rec); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("audit: append: %w", err)
	}

	t.seq = rec.Sequence
	t.lastTS = ts
	if len(t.heads) >= maxCachedChains {
		t.heads = map[string]string{}
	}
	t.heads[rec.TraceID] = rec.Hash
	return rec.Clone(), nil
}

func (t *Trail) headLocked(ctx context.Context, traceID string) (string, error) {
	if h, ok := t.heads[traceID]; ok {
		return h, nil
	}
	recs, err := t.backend.Query(ctx, traceID)
	if err != nil {
		return "", fmt.Errorf("audit: load chain head: %w", err)
	}
	if len(recs) == 0 {
		return "", nil
	}
	return recs[len(recs)-1].Hash, nil
}

// PlanEntry describes a created plan.
type PlanEntry struct {
	TraceID      string
	PlanID       string
	Goal         string
	Steps        []string
	Alternatives []string
	Metadata     map[string]any
}

// RecordPlan appends one planning record: goal as reason, step count in
// metadata, unselected tools as alternatives.
func (t *Trail) RecordPlan(ctx context.Context, e PlanEntry) error {
	meta := maps.Clone(e.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["plan_id"] = e.PlanID
	meta["step_count"] = len(e.Steps)
	meta["steps"] = e.Steps
	_, err := t.Append(ctx, model.DecisionRecord{
		TraceID:      e.TraceID,
		DecisionType: model.DecisionPlanning,
		Target:       e.PlanID,
		Reason:       e.Goal,
		Alternatives: e.Alternatives,
		Metadata:     meta,
	})
	return err
}

// RecordPlanStep appends one planning record for a single step.
func (t *Trail) RecordPlanStep(ctx context.Context, traceID, planID string, step model.PlanStep, reason string) error {
	_, err := t.Append(ctx, model.DecisionRecord{
		TraceID:      traceID,
		DecisionType: model.DecisionPlanning,
		Target:       step.ID,
		Reason:       reason,
		Metadata: map[string]any{
			"plan_id":          planID,
			"index":            step.Index,
			"tool":             step.Tool,
			"estimated_cost":   step.EstimatedCost,
			"estimated_tokens": step.EstimatedTokens,
			"risk":             string(step.Risk),
		},
	})
	return err
}

// RecordPlanOutcome appends a planning record for a stage change that needs
// explaining, such as a validation failure.
func (t *Trail) RecordPlanOutcome(ctx context.Context, traceID, planID, stage, reason string, meta map[string]any) error {
	m := maps.Clone(meta)
	if m == nil {
		m = map[string]any{}
	}
	m["plan_id"] = planID
	m["stage"] = stage
	_, err := t.Append(ctx, model.DecisionRecord{
		TraceID:      traceID,
		DecisionType: model.DecisionPlanning,
		Target:       planID,
		Reason:       reason,
		Metadata:     m,
	})
	return err
}

// RecordRoutingDecision appends one routing record.
func (t *Trail) RecordRoutingDecision(ctx context.Context, d model.RoutingDecision) error {
	_, err := t.Append(ctx, model.DecisionRecord{
		TraceID:      d.TraceID,
		DecisionType: model.DecisionRouting,
		Target:       d.WorkerID,
		Reason:       d.Reasoning,
		Alternatives: d.AlternativesConsidered,
		Metadata: map[string]any{
			"policy":     d.PolicyName,
			"step_id":    d.StepID,
			"step_index": d.StepIndex,
		},
	})
	return err
}

// ApprovalEntry describes an approval request or its resolution.
type ApprovalEntry struct {
	TraceID   string
	RequestID string
	Operation string
	Status    string
	Approver  string
	Reason    string
	RiskLevel string
	Metadata  map[string]any
}

// RecordApproval appends one approval record targeting the request ID.
func (t *Trail) RecordApproval(ctx context.Context, e ApprovalEntry) error {
	meta := maps.Clone(e.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["operation"] = e.Operation
	meta["status"] = e.Status
	meta["risk_level"] = e.RiskLevel
	if e.Approver != "" {
		meta["approver"] = e.Approver
	}
	_, err := t.Append(ctx, model.DecisionRecord{
		TraceID:      e.TraceID,
		DecisionType: model.DecisionApproval,
		Target:       e.RequestID,
		Reason:       e.Reason,
		Metadata:     meta,
	})
	return err
}

// GetTraceHistory returns every record of traceID in write order.
func (t *Trail) GetTraceHistory(ctx context.Context, traceID string) ([]model.DecisionRecord, error) {
	recs, err := t.backend.Query(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("audit: query %s: %w", traceID, err)
	}
	out := make([]model.DecisionRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out, nil
}

// GetHistory returns the records of traceID with the given type.
func (t *Trail) GetHistory(ctx context.Context, traceID string, dt model.DecisionType) ([]model.DecisionRecord, error) {
	all, err := t.GetTraceHistory(ctx, traceID)
	if err != nil {
		return nil, err
	}
	out := make([]model.DecisionRecord, 0, len(all))
	for _, r := range all {
		if r.DecisionType == dt {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *Trail) GetRoutingHistory(ctx context.Context, traceID string) ([]model.DecisionRecord, error) {
	return t.GetHistory(ctx, traceID, model.DecisionRouting)
}

func (t *Trail) GetPlanningHistory(ctx context.Context, traceID string) ([]model.DecisionRecord, error) {
	return t.GetHistory(ctx, traceID, model.DecisionPlanning)
}

func (t *Trail) GetApprovalHistory(ctx context.Context, traceID string) ([]model.DecisionRecord, error) {
	return t.GetHistory(ctx, traceID, model.DecisionApproval)
}

// VerifyTrace recomputes the hash chain of traceID and returns its Merkle
// root. A tampered, reordered or missing record yields *integrity.ChainBreak.
func (t *Trail) VerifyTrace(ctx context.Context, traceID string) (string, error) {
	recs, err := t.GetTraceHistory(ctx, traceID)
	if err != nil {
		return "", err
	}
	return integrity.VerifyChain(recs)
}

// Close closes the backend.
func (t *Trail) Close() error {
	return t.backend.Close()
}
