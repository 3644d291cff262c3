package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/shikumi/internal/integrity"
	"github.com/ashita-ai/shikumi/internal/model"
)

// TraceDecisions is the body of GET /v1/traces/{trace_id}/decisions.
type TraceDecisions struct {
	TraceID   string                 `json:"trace_id"`
	Decisions []model.DecisionRecord `json:"decisions"`
	Total     int                    `json:"total"`
}

// TraceVerification is the body of GET /v1/traces/{trace_id}/verify.
type TraceVerification struct {
	TraceID        string `json:"trace_id"`
	Valid          bool   `json:"valid"`
	Records        int    `json:"records"`
	MerkleRoot     string `json:"merkle_root,omitempty"`
	BrokenSequence int64  `json:"broken_sequence,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// HandleTraceDecisions handles GET /v1/traces/{trace_id}/decisions?type=.
func (h *Handlers) HandleTraceDecisions(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")

	var (
		recs []model.DecisionRecord
		err  error
	)
	if t := r.URL.Query().Get("type"); t != "" {
		dt := model.DecisionType(t)
		if !dt.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"type must be one of planning, routing, approval")
			return
		}
		recs, err = h.trail.GetHistory(r.Context(), traceID, dt)
	} else {
		recs, err = h.trail.GetTraceHistory(r.Context(), traceID)
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to query decisions", err)
		return
	}
	if recs == nil {
		recs = []model.DecisionRecord{}
	}
	writeJSON(w, r, http.StatusOK, TraceDecisions{TraceID: traceID, Decisions: recs, Total: len(recs)})
}

// HandleVerifyTrace handles GET /v1/traces/{trace_id}/verify. A broken chain
// is reported in the body with status 200; an unknown trace is 404.
func (h *Handlers) HandleVerifyTrace(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	recs, err := h.trail.GetTraceHistory(r.Context(), traceID)
	if err != nil {
		h.writeInternalError(w, r, "failed to query decisions", err)
		return
	}
	if len(recs) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
		return
	}

	out := TraceVerification{TraceID: traceID, Records: len(recs)}
	root, err := h.trail.VerifyTrace(r.Context(), traceID)
	var brk *integrity.ChainBreak
	switch {
	case err == nil:
		out.Valid = true
		out.MerkleRoot = root
	case errors.As(err, &brk):
		out.BrokenSequence = brk.Sequence
		out.Reason = brk.Reason
	default:
		h.writeInternalError(w, r, "failed to verify trace", err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}
