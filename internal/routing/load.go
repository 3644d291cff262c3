package routing

import "sync"

// LoadTracker counts in-flight steps per worker.
type LoadTracker struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewLoadTracker returns an empty tracker.
func NewLoadTracker() *LoadTracker {
	return &LoadTracker{counts: map[string]int64{}}
}

// Acquire marks one step in flight on workerID. The returned func releases
// it and is safe to call more than once.
func (t *LoadTracker) Acquire(workerID string) (release func()) {
	t.mu.Lock()
	t.counts[workerID]++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.counts[workerID]--; t.counts[workerID] <= 0 {
				delete(t.counts, workerID)
			}
		})
	}
}

// InFlight returns the current count for workerID.
func (t *LoadTracker) InFlight(workerID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[workerID]
}

// Snapshot copies all non-zero counts.
func (t *LoadTracker) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
