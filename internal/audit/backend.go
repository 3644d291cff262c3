package audit

import (
	"context"
	"slices"
	"sync"

	"github.com/ashita-ai/shikumi/internal/model"
)

// Backend stores decision records. Implementations only append; Query
// returns one trace's records in write (sequence) order.
type Backend interface {
	Append(ctx context.Context, rec model.DecisionRecord) error
	Query(ctx context.Context, traceID string) ([]model.DecisionRecord, error)
	// MaxSequence returns the highest sequence stored, or 0 when empty.
	MaxSequence(ctx context.Context) (int64, error)
	Close() error
}

// Memory is an in-process Backend for tests and single-process deployments.
type Memory struct {
	mu      sync.RWMutex
	byTrace map[string][]model.DecisionRecord
	maxSeq  int64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{byTrace: map[string][]model.DecisionRecord{}}
}

func (m *Memory) Append(_ context.Context, rec model.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTrace[rec.TraceID] = append(m.byTrace[rec.TraceID], rec.Clone())
	m.maxSeq = max(m.maxSeq, rec.Sequence)
	return nil
}

func (m *Memory) Query(_ context.Context, traceID string) ([]model.DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.byTrace[traceID]
	out := make([]model.DecisionRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *Memory) MaxSequence(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSeq, nil
}

// Traces lists trace IDs that have at least one record.
func (m *Memory) Traces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byTrace))
	for k := range m.byTrace {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (m *Memory) Close() error { return nil }
