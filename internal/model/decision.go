package model

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// DecisionType is the category of an audited decision.
type DecisionType string

const (
	DecisionPlanning DecisionType = "planning"
	DecisionRouting  DecisionType = "routing"
	DecisionApproval DecisionType = "approval"
)

// Valid reports whether d is a known decision type.
func (d DecisionType) Valid() bool {
	switch d {
	case DecisionPlanning, DecisionRouting, DecisionApproval:
		return true
	}
	return false
}

// DecisionRecord is one immutable audit entry. Append-only: never updated
// or deleted once written.
type DecisionRecord struct {
	ID           uuid.UUID      `json:"id"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	TraceID      string         `json:"trace_id"`
	DecisionType DecisionType   `json:"decision_type"`
	Target       string         `json:"target"`
	Reason       string         `json:"reason"`
	Alternatives []string       `json:"alternatives"`
	Metadata     map[string]any `json:"metadata"`

	// Tamper-evident chain over the records of one trace.
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// Clone returns a copy that shares no slices or maps with r.
func (r DecisionRecord) Clone() DecisionRecord {
	out := r
	out.Alternatives = slices.Clone(r.Alternatives)
	if out.Alternatives == nil {
		out.Alternatives = []string{}
	}
	out.Metadata = maps.Clone(r.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	return out
}
