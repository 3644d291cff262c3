package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/ashita-ai/shikumi/internal/model"
)

// ErrCheckpointNotFound is returned by Load for an unknown run.
var ErrCheckpointNotFound = errors.New("executor: checkpoint not found")

// Checkpointer persists PartialResults keyed by run ID. Save replaces any
// previous checkpoint of the run.
type Checkpointer interface {
	Save(ctx context.Context, runID string, p *model.PartialResult) error
	Load(ctx context.Context, runID string) (*model.PartialResult, error)
}

// MemoryCheckpointer keeps checkpoints in process memory.
type MemoryCheckpointer struct {
	mu   sync.RWMutex
	runs map[string]*model.PartialResult
}

// NewMemoryCheckpointer returns an empty checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{runs: map[string]*model.PartialResult{}}
}

// Save implements Checkpointer.
func (m *MemoryCheckpointer) Save(_ context.Context, runID string, p *model.PartialResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = p.Clone()
	return nil
}

// Load implements Checkpointer.
func (m *MemoryCheckpointer) Load(_ context.Context, runID string) (*model.PartialResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.runs[runID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return p.Clone(), nil
}

type noopCheckpointer struct{}

func (noopCheckpointer) Save(context.Context, string, *model.PartialResult) error { return nil }

func (noopCheckpointer) Load(context.Context, string) (*model.PartialResult, error) {
	return nil, ErrCheckpointNotFound
}
