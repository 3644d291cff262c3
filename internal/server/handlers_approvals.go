package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashita-ai/shikumi/internal/approval"
	"github.com/ashita-ai/shikumi/internal/model"
)

// ApprovalView pairs a request with its current response.
type ApprovalView struct {
	Request  approval.Request  `json:"request"`
	Response approval.Response `json:"response"`
}

func (h *Handlers) gate(w http.ResponseWriter, r *http.Request) (*approval.Gate, bool) {
	g := h.coord.Gate()
	if g == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval gate is not configured")
		return nil, false
	}
	return g, true
}

// HandleListApprovals handles GET /v1/approvals.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	g, ok := h.gate(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, g.Pending())
}

// HandleGetApproval handles GET /v1/approvals/{id}.
func (h *Handlers) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	g, ok := h.gate(w, r)
	if !ok {
		return
	}
	req, resp, err := g.Get(r.PathValue("id"))
	if err != nil {
		h.writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ApprovalView{Request: req, Response: resp})
}

// HandleRespondApproval handles POST /v1/approvals/{id}/respond. The
// approver is the token subject, never a body field.
func (h *Handlers) HandleRespondApproval(w http.ResponseWriter, r *http.Request) {
	g, ok := h.gate(w, r)
	if !ok {
		return
	}
	var body model.ApprovalDecisionRequest
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	approver := ClaimsFromContext(r.Context()).Name()
	status := approval.Status(strings.ToUpper(strings.TrimSpace(body.Status)))
	resp, err := g.RespondToRequest(r.Context(), r.PathValue("id"), status, approver, body.Reason)
	if err != nil {
		h.writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCancelApproval handles POST /v1/approvals/{id}/cancel. The body is
// optional.
func (h *Handlers) HandleCancelApproval(w http.ResponseWriter, r *http.Request) {
	g, ok := h.gate(w, r)
	if !ok {
		return
	}
	var body model.CancelRequest
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "cancelled by " + ClaimsFromContext(r.Context()).Name()
	}
	resp, err := g.CancelRequest(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		h.writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, approval.ErrInvalidStatus):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, approval.ErrNotPending):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		h.writeInternalError(w, r, "approval update failed", err)
	}
}
