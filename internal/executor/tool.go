package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/shikumi/internal/model"
)

// Tool is a black-box step implementation. The executor never inspects it.
type Tool interface {
	Execute(ctx context.Context, inputs map[string]any, ec model.ExecutionContext) (any, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, inputs map[string]any, ec model.ExecutionContext) (any, error)

// Execute implements Tool.
func (f ToolFunc) Execute(ctx context.Context, inputs map[string]any, ec model.ExecutionContext) (any, error) {
	return f(ctx, inputs, ec)
}

// ToolError lets a tool report output it produced before failing.
type ToolError struct {
	Tool    string
	Partial any
	Err     error
}

func (e *ToolError) Error() string {
	if e.Tool == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// PartialOutput returns what the tool produced before failing.
func (e *ToolError) PartialOutput() any { return e.Partial }

// Registry maps tool names to implementations. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(name string, t Tool) error {
	if name == "" || t == nil {
		return fmt.Errorf("executor: register: name and tool are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("executor: register: tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// MustRegister is Register that panics on error. For wiring at startup.
func (r *Registry) MustRegister(name string, t Tool) {
	if err := r.Register(name, t); err != nil {
		panic(err)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
