package routing

import (
	"slices"
	"sync"

	"github.com/ashita-ai/shikumi/internal/model"
)

// Pool is the set of workers available for routing.
type Pool struct {
	mu      sync.RWMutex
	workers []model.Worker
}

// NewPool returns a pool holding workers in the given order.
func NewPool(workers ...model.Worker) *Pool {
	p := &Pool{}
	for _, w := range workers {
		p.Add(w)
	}
	return p
}

// Add registers w, replacing a worker with the same ID in place.
func (p *Pool) Add(w model.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.workers {
		if p.workers[i].ID == w.ID {
			p.workers[i] = w
			return
		}
	}
	p.workers = append(p.workers, w)
}

// Remove drops the worker with the given ID.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = slices.DeleteFunc(p.workers, func(w model.Worker) bool { return w.ID == id })
}

// Candidates returns a copy of the current workers.
func (p *Pool) Candidates() []model.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.workers)
}
