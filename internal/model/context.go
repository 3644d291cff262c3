// Package model defines the core domain types shared by the orchestration
// kernel: execution contexts, plan steps, routing decisions, audit records,
// partial results and the failure taxonomy.
//
// Types here carry no behavior beyond validation and value semantics.
// Packages that own a lifecycle (planning, approval, budget) build on them.
package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMissingTraceID is returned when an ExecutionContext is built without a trace ID.
var ErrMissingTraceID = errors.New("model: trace_id is required")

// ExecutionContext is the request-scoped identity and trace carrier.
// It is a value type with unexported fields: every "update" returns a new
// context that copies the trace ID, so a context can never be mutated in place.
type ExecutionContext struct {
	traceID   string
	requestID string
	userID    string
	profile   string
	parent    *ExecutionContext
	createdAt time.Time
}

// NewTraceID mints a fresh opaque trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// NewExecutionContext creates the root context for one external request.
func NewExecutionContext(traceID, profile string) (ExecutionContext, error) {
	if traceID == "" {
		return ExecutionContext{}, ErrMissingTraceID
	}
	return ExecutionContext{
		traceID:   traceID,
		requestID: uuid.NewString(),
		profile:   profile,
		createdAt: time.Now().UTC(),
	}, nil
}

func (c ExecutionContext) TraceID() string      { return c.traceID }
func (c ExecutionContext) RequestID() string    { return c.requestID }
func (c ExecutionContext) Profile() string      { return c.profile }
func (c ExecutionContext) CreatedAt() time.Time { return c.createdAt }

// UserID returns the user the request acts for, if any.
func (c ExecutionContext) UserID() (string, bool) {
	return c.userID, c.userID != ""
}

// Parent returns the enclosing context for nested orchestration.
func (c ExecutionContext) Parent() (ExecutionContext, bool) {
	if c.parent == nil {
		return ExecutionContext{}, false
	}
	return *c.parent, true
}

// Depth is the number of ancestors above this context.
func (c ExecutionContext) Depth() int {
	d := 0
	for p := c.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// IsZero reports whether the context was never initialized.
func (c ExecutionContext) IsZero() bool {
	return c.traceID == ""
}

// derive copies c with a fresh request ID. The trace ID is always carried over.
func (c ExecutionContext) derive() ExecutionContext {
	next := c
	next.requestID = uuid.NewString()
	next.createdAt = time.Now().UTC()
	return next
}

// Child returns a nested context linked to c. Used when one orchestration
// spawns another under the same trace.
func (c ExecutionContext) Child() ExecutionContext {
	parent := c
	next := c.derive()
	next.parent = &parent
	return next
}

// WithProfile returns a copy of c bound to another profile.
func (c ExecutionContext) WithProfile(profile string) ExecutionContext {
	next := c.derive()
	next.profile = profile
	return next
}

// WithUser returns a copy of c acting on behalf of userID.
func (c ExecutionContext) WithUser(userID string) ExecutionContext {
	next := c.derive()
	next.userID = userID
	return next
}

// Resumed returns a context for continuing work recorded under traceID.
// The receiver becomes the parent so the resuming request stays attributable.
func (c ExecutionContext) Resumed(traceID string) ExecutionContext {
	if traceID == "" || traceID == c.traceID {
		return c
	}
	parent := c
	next := c.derive()
	next.traceID = traceID
	next.parent = &parent
	return next
}

type executionContextJSON struct {
	TraceID   string                `json:"trace_id"`
	RequestID string                `json:"request_id"`
	UserID    string                `json:"user_id,omitempty"`
	Profile   string                `json:"profile,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	Parent    *executionContextJSON `json:"parent_context,omitempty"`
}

func (c ExecutionContext) toJSON() *executionContextJSON {
	out := &executionContextJSON{
		TraceID:   c.traceID,
		RequestID: c.requestID,
		UserID:    c.userID,
		Profile:   c.profile,
		CreatedAt: c.createdAt,
	}
	if c.parent != nil {
		out.Parent = c.parent.toJSON()
	}
	return out
}

// MarshalJSON renders the context and its parent chain.
func (c ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toJSON())
}

// UnmarshalJSON restores a context previously produced by MarshalJSON.
func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	var raw executionContextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.TraceID == "" {
		return ErrMissingTraceID
	}
	*c = fromJSON(&raw)
	return nil
}

func fromJSON(raw *executionContextJSON) ExecutionContext {
	c := ExecutionContext{
		traceID:   raw.TraceID,
		requestID: raw.RequestID,
		userID:    raw.UserID,
		profile:   raw.Profile,
		createdAt: raw.CreatedAt,
	}
	if raw.Parent != nil {
		p := fromJSON(raw.Parent)
		c.parent = &p
	}
	return c
}
