package model

import "time"

// EventType is the category of an observability event. The set is closed;
// emitters reject anything else.
type EventType string

const (
	EventPlanCreated       EventType = "plan_created"
	EventRouteDecision     EventType = "route_decision"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallComplete  EventType = "tool_call_complete"
	EventToolCallError     EventType = "tool_call_error"
	EventBudgetWarning     EventType = "budget_warning"
	EventBudgetExceeded    EventType = "budget_exceeded"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalReceived  EventType = "approval_received"
	EventApprovalTimeout   EventType = "approval_timeout"
	EventPlanCompleted     EventType = "plan_completed"
	EventPlanFailed        EventType = "plan_failed"
	EventPlanCancelled     EventType = "plan_cancelled"
)

// EventTypes lists every canonical event type.
var EventTypes = []EventType{
	EventPlanCreated,
	EventRouteDecision,
	EventToolCallStart,
	EventToolCallComplete,
	EventToolCallError,
	EventBudgetWarning,
	EventBudgetExceeded,
	EventApprovalRequested,
	EventApprovalReceived,
	EventApprovalTimeout,
	EventPlanCompleted,
	EventPlanFailed,
	EventPlanCancelled,
}

// Valid reports whether t is canonical.
func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Event statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusWarning = "warning"
	StatusPending = "pending"
)

// Event is one structured observability event.
type Event struct {
	EventType  EventType      `json:"event_type"`
	TraceID    string         `json:"trace_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
}

// WithDuration sets DurationMs from d.
func (e Event) WithDuration(d time.Duration) Event {
	ms := d.Milliseconds()
	e.DurationMs = &ms
	return e
}
