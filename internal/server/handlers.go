package server

import (
	"cmp"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/auth"
	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/coordinator"
	"github.com/ashita-ai/shikumi/internal/executor"
	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/planning"
	"github.com/ashita-ai/shikumi/internal/routing"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	coord               *coordinator.Coordinator
	trail               *audit.Trail
	jwtMgr              *auth.JWTManager
	directory           *auth.Directory
	checkpointer        executor.Checkpointer
	backend             Pinger
	backendName         string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Checkpointer, Backend.
type HandlersDeps struct {
	Coordinator         *coordinator.Coordinator
	Trail               *audit.Trail
	JWTMgr              *auth.JWTManager
	Directory           *auth.Directory
	Checkpointer        executor.Checkpointer
	Backend             Pinger
	BackendName         string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		coord:               d.Coordinator,
		trail:               d.Trail,
		jwtMgr:              d.JWTMgr,
		directory:           d.Directory,
		checkpointer:        d.Checkpointer,
		backend:             d.Backend,
		backendName:         cmp.Or(d.BackendName, "memory"),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	AuditBackend     string `json:"audit_backend"`
	Backend          string `json:"backend"`
	PendingApprovals int    `json:"pending_approvals"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		AuditBackend:  h.backendName,
		Backend:       "connected",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if h.backend != nil {
		if err := h.backend.Ping(r.Context()); err != nil {
			h.logger.Warn("health: backend ping failed", "error", err)
			resp.Status = "unhealthy"
			resp.Backend = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}
	if gate := h.coord.Gate(); gate != nil {
		resp.PendingApprovals = len(gate.Pending())
	}
	writeJSON(w, r, status, resp)
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and api_key are required")
		return
	}

	p, err := h.directory.Authenticate(req.Name, req.APIKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Error("auth: verify api key", "name", req.Name, "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(p)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "principal", p.Name, "role", p.Role, "ip", r.RemoteAddr)
	writeJSON(w, r, http.StatusOK, model.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleOrchestrate handles POST /v1/orchestrate.
func (h *Handlers) HandleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req model.OrchestrateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "goal is required")
		return
	}

	ec, err := model.NewExecutionContext(cmp.Or(req.TraceID, model.NewTraceID()), req.Profile)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.UserID != "" {
		ec = ec.WithUser(req.UserID)
	}

	opts := runOptions(req.Budget, req.Steps, req.RunID)
	if req.Routing != "" {
		kind, err := routing.ParsePolicyKind(req.Routing)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		opts = append(opts, coordinator.WithRoutingPolicy(kind))
	}

	out, err := h.coord.Orchestrate(r.Context(), req.Goal, ec, opts...)
	if err != nil {
		h.writeFailure(w, r, err, out)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleResume handles POST /v1/resume. The partial result comes from the
// body or from the checkpoint stored under run_id.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	var req model.ResumeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "goal is required")
		return
	}

	partial := req.PartialResult
	if partial == nil {
		if req.RunID == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "partial_result or run_id is required")
			return
		}
		if h.checkpointer == nil {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no checkpoint store configured")
			return
		}
		loaded, err := h.checkpointer.Load(r.Context(), req.RunID)
		if errors.Is(err, executor.ErrCheckpointNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "checkpoint not found")
			return
		}
		if err != nil {
			h.writeInternalError(w, r, "failed to load checkpoint", err)
			return
		}
		partial = loaded
	}

	ec, err := model.NewExecutionContext(cmp.Or(partial.TraceID, model.NewTraceID()), req.Profile)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.UserID != "" {
		ec = ec.WithUser(req.UserID)
	}

	out, err := h.coord.Resume(r.Context(), req.Goal, partial, ec, runOptions(req.Budget, req.Steps, req.RunID)...)
	if err != nil {
		h.writeFailure(w, r, err, out)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func runOptions(limits *model.BudgetLimits, steps []model.StepRequest, runID string) []coordinator.Option {
	var opts []coordinator.Option
	if limits != nil {
		opts = append(opts, coordinator.WithBudget(budget.NewToolBudget(budget.Limits{
			CostCeiling:  limits.CostCeiling,
			CallCeiling:  limits.CallCeiling,
			TokenCeiling: limits.TokenCeiling,
		})))
	}
	if len(steps) > 0 {
		reqs := make([]planning.StepRequest, len(steps))
		for i, s := range steps {
			reqs[i] = planning.StepRequest{Tool: s.Tool, Input: s.Input}
		}
		opts = append(opts, coordinator.WithSteps(reqs...))
	}
	if runID != "" {
		opts = append(opts, coordinator.WithRunID(runID))
	}
	return opts
}

// writeFailure maps an orchestration failure onto a status code. The body
// always carries the partial result so the caller can resume.
func (h *Handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error, out *coordinator.Outcome) {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		fe = failure.New(err, "", model.NewPartialResult("", 0))
	}
	partial := fe.Partial
	if partial == nil {
		partial = model.NewPartialResult(fe.TraceID, 0)
	}

	status, code := failureStatus(err, fe.Mode)
	if status >= http.StatusInternalServerError {
		h.logger.Error("orchestration failed",
			"error", err,
			"failure_mode", fe.Mode,
			"trace_id", fe.TraceID,
			"request_id", RequestIDFromContext(r.Context()),
		)
	}

	details := model.FailureDetails{
		FailureMode:   fe.Mode,
		Recovery:      fe.Recovery,
		Step:          fe.Step,
		Attempts:      fe.Attempts,
		TraceID:       cmp.Or(fe.TraceID, partial.TraceID),
		PartialResult: partial,
	}
	if out != nil {
		details.Outcome = out
	}
	writeErrorDetails(w, r, status, code, fe.Error(), details)
}

func failureStatus(err error, mode model.FailureMode) (int, string) {
	switch {
	case errors.Is(err, budget.ErrExceeded):
		return http.StatusConflict, model.ErrCodeBudgetExceeded
	case mode == model.FailurePolicy, mode == model.FailureTerminalPolicy, mode == model.FailureTerminalSecurity:
		return http.StatusForbidden, model.ErrCodePolicyRejected
	case mode == model.FailureTerminalUser:
		return http.StatusConflict, model.ErrCodeCancelled
	case mode == model.FailureUser:
		return http.StatusUnprocessableEntity, model.ErrCodeInvalidRequest
	default:
		return http.StatusInternalServerError, model.ErrCodeInternalError
	}
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
