package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/telemetry"
)

// Recorder receives approval decisions. *audit.Trail satisfies it.
type Recorder interface {
	RecordApproval(ctx context.Context, e audit.ApprovalEntry) error
}

type entry struct {
	req Request

	mu      sync.Mutex
	resp    Response
	waiters int
	done    chan struct{}
}

func (e *entry) response() Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resp
}

// Gate is the approval registry. Safe for concurrent use.
type Gate struct {
	policy   Policy
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	requests map[string]*entry

	metricsReg metric.Registration
}

// NewGate creates a gate. A nil recorder disables audit writes (tests only).
func NewGate(policy Policy, recorder Recorder, logger *slog.Logger) *Gate {
	return newGateWithMeter(policy, recorder, logger, telemetry.Meter("shikumi/approval"))
}

func newGateWithMeter(policy Policy, recorder Recorder, logger *slog.Logger, meter metric.Meter) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		policy:   policy,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		requests: map[string]*entry{},
	}
	g.registerMetrics(meter)
	return g
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// CreateRequest registers a PENDING request, or an immediately APPROVED one
// when the policy is disabled. Either way the creation is audited.
func (g *Gate) CreateRequest(ctx context.Context, operation, traceID string, risk model.RiskLevel, metadata map[string]any) (Request, error) {
	if traceID == "" {
		return Request{}, model.ErrMissingTraceID
	}
	now := g.now().UTC()
	timeout := g.policy.Timeout
	if timeout <= 0 {
		timeout = DefaultPolicy().Timeout
	}
	req := Request{
		ID:          uuid.NewString(),
		Operation:   operation,
		TraceID:     traceID,
		RiskLevel:   risk,
		Metadata:    maps.Clone(metadata),
		RequestedAt: now,
		ExpiresAt:   now.Add(timeout),
	}
	e := &entry{
		req:  req,
		resp: Response{RequestID: req.ID, Status: StatusPending},
		done: make(chan struct{}),
	}

	if !g.policy.Enabled {
		g.insert(e)
		if _, err := g.resolve(ctx, e, StatusApproved, ApproverPolicyDisabled, "approval policy disabled"); err != nil {
			return Request{}, err
		}
		return req, nil
	}

	// The request record must precede any response record in the trace, so
	// the entry becomes visible to approvers only once it is written.
	g.record(ctx, req, e.response(), "approval requested")
	g.insert(e)
	g.logger.Info("approval: requested",
		"trace_id", traceID, "request_id", req.ID, "operation", operation, "risk_level", risk)
	return req, nil
}

// RespondToRequest resolves a pending request as APPROVED or DENIED. A
// second response returns ErrAlreadyResolved and changes nothing.
func (g *Gate) RespondToRequest(ctx context.Context, id string, status Status, approver, reason string) (Response, error) {
	if status != StatusApproved && status != StatusDenied {
		return Response{}, ErrInvalidStatus
	}
	if approver == "" {
		return Response{}, fmt.Errorf("approval: approver is required")
	}
	e, err := g.lookup(id)
	if err != nil {
		return Response{}, err
	}
	return g.resolve(ctx, e, status, approver, reason)
}

// CancelRequest moves a PENDING request to CANCELLED.
func (g *Gate) CancelRequest(ctx context.Context, id, reason string) (Response, error) {
	e, err := g.lookup(id)
	if err != nil {
		return Response{}, err
	}
	resp, err := g.resolve(ctx, e, StatusCancelled, "", reason)
	if errors.Is(err, ErrAlreadyResolved) {
		return resp, fmt.Errorf("%w (status %s)", ErrNotPending, resp.Status)
	}
	return resp, err
}

// WaitForApproval blocks until the request resolves, the timeout elapses or
// ctx ends. A zero timeout uses the policy's. Timing out resolves TIMEOUT,
// or APPROVED by policy:timeout when auto-approve is configured. Ending ctx
// cancels the request and returns ctx's error alongside the response.
func (g *Gate) WaitForApproval(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	e, err := g.lookup(req.ID)
	if err != nil {
		return Response{}, err
	}
	if timeout <= 0 {
		timeout = g.policy.Timeout
	}
	if timeout <= 0 {
		timeout = max(time.Until(req.ExpiresAt), 0)
	}

	e.mu.Lock()
	e.waiters++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.waiters--
		e.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return e.response(), nil
	case <-timer.C:
		resp, err := g.expire(ctx, e, timeout)
		if errors.Is(err, ErrAlreadyResolved) {
			return resp, nil
		}
		return resp, err
	case <-ctx.Done():
		resp, err := g.resolve(context.WithoutCancel(ctx), e, StatusCancelled, "", "waiter cancelled: "+ctx.Err().Error())
		if errors.Is(err, ErrAlreadyResolved) {
			return resp, nil
		}
		return resp, ctx.Err()
	}
}

// RequireApproval creates a request and waits for it. Anything other than
// APPROVED is returned as *Rejection.
func (g *Gate) RequireApproval(ctx context.Context, operation, traceID string, risk model.RiskLevel, metadata map[string]any, timeout time.Duration) (Request, Response, error) {
	req, err := g.CreateRequest(ctx, operation, traceID, risk, metadata)
	if err != nil {
		return Request{}, Response{}, err
	}
	resp, err := g.WaitForApproval(ctx, req, timeout)
	if resp.Status == StatusApproved {
		return req, resp, nil
	}
	if resp.Status.Terminal() {
		return req, resp, &Rejection{Request: req, Response: resp}
	}
	return req, resp, err
}

func (g *Gate) expire(ctx context.Context, e *entry, after time.Duration) (Response, error) {
	if g.policy.AutoApproveOnTimeout {
		return g.resolve(ctx, e, StatusApproved, ApproverPolicyTimeout, fmt.Sprintf("no response within %s; auto-approved", after))
	}
	return g.resolve(ctx, e, StatusTimeout, "", fmt.Sprintf("no response within %s", after))
}

// resolve sets the terminal response once. The loser of a race gets the
// winner's response and ErrAlreadyResolved.
func (g *Gate) resolve(ctx context.Context, e *entry, status Status, approver, reason string) (Response, error) {
	e.mu.Lock()
	if e.resp.Status != StatusPending {
		resp := e.resp
		e.mu.Unlock()
		return resp, ErrAlreadyResolved
	}
	e.resp = Response{
		RequestID:   e.req.ID,
		Status:      status,
		Approver:    approver,
		Reason:      reason,
		RespondedAt: g.now().UTC(),
	}
	resp := e.resp
	close(e.done)
	e.mu.Unlock()

	g.record(ctx, e.req, resp, reason)
	g.logger.Info("approval: resolved",
		"trace_id", e.req.TraceID, "request_id", e.req.ID, "status", status, "approver", approver)
	return resp, nil
}

func (g *Gate) record(ctx context.Context, req Request, resp Response, reason string) {
	if g.recorder == nil {
		return
	}
	err := g.recorder.RecordApproval(ctx, audit.ApprovalEntry{
		TraceID:   req.TraceID,
		RequestID: req.ID,
		Operation: req.Operation,
		Status:    string(resp.Status),
		Approver:  resp.Approver,
		Reason:    reason,
		RiskLevel: string(req.RiskLevel),
		Metadata:  req.Metadata,
	})
	if err != nil {
		g.logger.Error("approval: audit write failed",
			"trace_id", req.TraceID, "request_id", req.ID, "status", resp.Status, "error", err)
	}
}

func (g *Gate) insert(e *entry) {
	g.mu.Lock()
	g.requests[e.req.ID] = e
	g.mu.Unlock()
}

func (g *Gate) lookup(id string) (*entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a request and its current response.
func (g *Gate) Get(id string) (Request, Response, error) {
	e, err := g.lookup(id)
	if err != nil {
		return Request{}, Response{}, err
	}
	return e.req, e.response(), nil
}

// Pending lists unresolved requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.RLock()
	out := make([]Request, 0, len(g.requests))
	for _, e := range g.requests {
		if e.response().Status == StatusPending {
			out = append(out, e.req)
		}
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SweepExpired resolves pending requests past their expiry that nobody is
// waiting on. Returns how many were resolved.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) int {
	g.mu.RLock()
	var expired []*entry
	for _, e := range g.requests {
		e.mu.Lock()
		if e.resp.Status == StatusPending && e.waiters == 0 && now.After(e.req.ExpiresAt) {
			expired = append(expired, e)
		}
		e.mu.Unlock()
	}
	g.mu.RUnlock()

	n := 0
	for _, e := range expired {
		if _, err := g.expire(ctx, e, e.req.ExpiresAt.Sub(e.req.RequestedAt)); err == nil {
			n++
		}
	}
	return n
}

// Prune forgets resolved requests that were resolved before cutoff.
func (g *Gate) Prune(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, e := range g.requests {
		resp := e.response()
		if resp.Status.Terminal() && resp.RespondedAt.Before(cutoff) {
			delete(g.requests, id)
			n++
		}
	}
	return n
}

// RunSweeper calls SweepExpired and Prune on every tick until ctx ends.
func (g *Gate) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := g.now()
			if n := g.SweepExpired(ctx, now); n > 0 {
				g.logger.Info("approval: expired stale requests", "count", n)
			}
			if retention > 0 {
				g.Prune(now.Add(-retention))
			}
		}
	}
}

// Close unregisters the gate's metrics callback. Pending requests are left
// as they are. Safe to call more than once.
func (g *Gate) Close() error {
	g.mu.Lock()
	reg := g.metricsReg
	g.metricsReg = nil
	g.mu.Unlock()
	if reg == nil {
		return nil
	}
	if err := reg.Unregister(); err != nil {
		return fmt.Errorf("approval: unregister metrics: %w", err)
	}
	return nil
}

func (g *Gate) registerMetrics(meter metric.Meter) {
	pending, err := meter.Int64ObservableGauge("shikumi.approvals.pending",
		metric.WithDescription("Approval requests awaiting a decision"),
	)
	if err != nil {
		g.logger.Warn("approval: register metrics", "error", err)
		return
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(pending, int64(len(g.Pending())))
		return nil
	}, pending)
	if err != nil {
		g.logger.Warn("approval: register metrics", "error", err)
		return
	}
	g.metricsReg = reg
}
