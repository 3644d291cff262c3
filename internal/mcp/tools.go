package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shikumi/internal/approval"
	"github.com/ashita-ai/shikumi/internal/auth"
	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/coordinator"
	"github.com/ashita-ai/shikumi/internal/ctxutil"
	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/integrity"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/planning"
	"github.com/ashita-ai/shikumi/internal/routing"
)

func (s *Server) registerTools() {
	// shikumi_orchestrate: plan, route and execute a goal.
	s.mcpServer.AddTool(
		mcplib.NewTool("shikumi_orchestrate",
			mcplib.WithDescription(`Plan a goal against the tool catalog, route each step to a worker and run it.

Steps whose risk needs approval wait on the approval queue until someone
responds with shikumi_respond_approval.

WHAT YOU GET BACK:
- stage: COMPLETED on success
- partial_result: completed steps and their results
- routing: the worker chosen for every step and why

On failure the result is an error carrying failure_mode, recovery_strategy
and the partial_result reached so far.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("goal",
				mcplib.Description("What the run should accomplish, in natural language"),
				mcplib.Required(),
			),
			mcplib.WithString("profile",
				mcplib.Description("Execution profile name. Defaults to \"default\"."),
			),
			mcplib.WithString("trace_id",
				mcplib.Description("Optional trace ID to group this run with earlier ones"),
			),
			mcplib.WithArray("steps",
				mcplib.Description("Optional explicit tool names to run in order instead of ranking the catalog"),
				mcplib.WithStringItems(),
			),
			mcplib.WithString("routing_policy",
				mcplib.Description("Override the routing policy: round_robin, capability_based or load_balanced"),
			),
			mcplib.WithNumber("call_ceiling",
				mcplib.Description("Maximum number of tool calls for this run"),
				mcplib.Min(0),
			),
			mcplib.WithNumber("cost_ceiling",
				mcplib.Description("Maximum estimated cost for this run"),
				mcplib.Min(0),
			),
		),
		s.handleOrchestrate,
	)

	// shikumi_pending_approvals: list the approval queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("shikumi_pending_approvals",
			mcplib.WithDescription("List approval requests that are waiting for a decision, oldest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handlePendingApprovals,
	)

	// shikumi_respond_approval: approve or deny a pending request.
	s.mcpServer.AddTool(
		mcplib.NewTool("shikumi_respond_approval",
			mcplib.WithDescription("Approve or deny a pending approval request. The approver is the authenticated caller."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("request_id",
				mcplib.Description("ID of the pending request"),
				mcplib.Required(),
			),
			mcplib.WithString("status",
				mcplib.Description("APPROVED or DENIED"),
				mcplib.Required(),
				mcplib.Enum("APPROVED", "DENIED"),
			),
			mcplib.WithString("reason",
				mcplib.Description("Why the request was approved or denied"),
			),
		),
		s.handleRespondApproval,
	)

	// shikumi_trace_history: read the audit trail of a trace.
	s.mcpServer.AddTool(
		mcplib.NewTool("shikumi_trace_history",
			mcplib.WithDescription("Read the planning, routing and approval decisions recorded for a trace, in sequence order, and verify the hash chain."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("trace_id",
				mcplib.Description("Trace to read"),
				mcplib.Required(),
			),
			mcplib.WithString("type",
				mcplib.Description("Only return one decision type: planning, routing or approval"),
			),
		),
		s.handleTraceHistory,
	)
}

func (s *Server) handleOrchestrate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	goal := strings.TrimSpace(request.GetString("goal", ""))
	if goal == "" {
		return errorResult("goal is required"), nil
	}

	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		traceID = model.NewTraceID()
	}
	ec, err := model.NewExecutionContext(traceID, request.GetString("profile", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		ec = ec.WithUser(claims.Name())
	}

	var opts []coordinator.Option
	if names := request.GetStringSlice("steps", nil); len(names) > 0 {
		steps := make([]planning.StepRequest, len(names))
		for i, n := range names {
			steps[i] = planning.StepRequest{Tool: n}
		}
		opts = append(opts, coordinator.WithSteps(steps...))
	}
	if p := request.GetString("routing_policy", ""); p != "" {
		kind, err := routing.ParsePolicyKind(p)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		opts = append(opts, coordinator.WithRoutingPolicy(kind))
	}
	calls := request.GetInt("call_ceiling", 0)
	cost := request.GetFloat("cost_ceiling", 0)
	if calls > 0 || cost > 0 {
		opts = append(opts, coordinator.WithBudget(budget.NewToolBudget(budget.Limits{
			CallCeiling: int64(calls),
			CostCeiling: cost,
		})))
	}

	out, err := s.coord.Orchestrate(ctx, goal, ec, opts...)
	if err != nil {
		s.logger.Warn("mcp: orchestrate failed", "trace_id", ec.TraceID(), "error", err)
		return failureResult(err)
	}
	return jsonResult(out, false)
}

// failureResult reports a failed run with its classification and partial
// result so the agent can decide whether to resume.
func failureResult(err error) (*mcplib.CallToolResult, error) {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return errorResult(err.Error()), nil
	}
	partial := fe.Partial
	if partial == nil {
		partial = model.NewPartialResult(fe.TraceID, 0)
	}
	return jsonResult(map[string]any{
		"error": fe.Error(),
		"details": model.FailureDetails{
			FailureMode:   fe.Mode,
			Recovery:      fe.Recovery,
			Step:          fe.Step,
			Attempts:      fe.Attempts,
			TraceID:       fe.TraceID,
			PartialResult: partial,
		},
	}, true)
}

func (s *Server) handlePendingApprovals(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	gate := s.coord.Gate()
	if gate == nil {
		return errorResult("approval gate is not configured"), nil
	}
	pending := gate.Pending()
	return jsonResult(map[string]any{
		"pending": pending,
		"total":   len(pending),
	}, false)
}

func (s *Server) handleRespondApproval(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	gate := s.coord.Gate()
	if gate == nil {
		return errorResult("approval gate is not configured"), nil
	}
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || !claims.Role.AtLeast(auth.RoleApprover) {
		return errorResult("responding to approvals requires an authenticated approver"), nil
	}

	id := request.GetString("request_id", "")
	if id == "" {
		return errorResult("request_id is required"), nil
	}
	status := approval.Status(strings.ToUpper(strings.TrimSpace(request.GetString("status", ""))))
	if status != approval.StatusApproved && status != approval.StatusDenied {
		return errorResult("status must be APPROVED or DENIED"), nil
	}

	resp, err := gate.RespondToRequest(ctx, id, status, claims.Name(), request.GetString("reason", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("respond failed: %v", err)), nil
	}
	return jsonResult(resp, false)
}

func (s *Server) handleTraceHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	traceID := request.GetString("trace_id", "")
	if traceID == "" {
		return errorResult("trace_id is required"), nil
	}

	var (
		recs []model.DecisionRecord
		err  error
	)
	if t := request.GetString("type", ""); t != "" {
		dt := model.DecisionType(t)
		if !dt.Valid() {
			return errorResult("type must be one of planning, routing, approval"), nil
		}
		recs, err = s.trail.GetHistory(ctx, traceID, dt)
	} else {
		recs, err = s.trail.GetTraceHistory(ctx, traceID)
	}
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}
	if recs == nil {
		recs = []model.DecisionRecord{}
	}

	result := map[string]any{
		"trace_id":  traceID,
		"decisions": recs,
		"total":     len(recs),
	}
	if len(recs) > 0 {
		root, err := s.trail.VerifyTrace(ctx, traceID)
		var brk *integrity.ChainBreak
		switch {
		case err == nil:
			result["chain_valid"] = true
			result["merkle_root"] = root
		case errors.As(err, &brk):
			result["chain_valid"] = false
			result["broken_sequence"] = brk.Sequence
		default:
			return errorResult(fmt.Sprintf("verify failed: %v", err)), nil
		}
	}
	return jsonResult(result, false)
}
