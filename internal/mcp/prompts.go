package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// run-goal: walks an agent through orchestrating a goal and recovering.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-goal",
			mcplib.WithPromptDescription("Orchestrate a goal and recover from a partial failure"),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("What the run should accomplish"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRunGoalPrompt,
	)

	// review-approvals: guides an approver through the pending queue.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-approvals",
			mcplib.WithPromptDescription("Review pending approval requests and respond to each"),
		),
		s.handleReviewApprovalsPrompt,
	)
}

func (s *Server) handleRunGoalPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	goal := request.Params.Arguments["goal"]
	if goal == "" {
		return nil, fmt.Errorf("goal argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Orchestrate: %s", goal),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Run this goal through the orchestration kernel: %q

1. CALL shikumi_orchestrate with goal=%q. Pass steps only if you already
   know the exact tools to run; otherwise the planner ranks the catalog.

2. If the result stage is COMPLETED, summarize partial_result.step_results.

3. If the call returns an error, read details.failure_mode and
   details.recovery_strategy:
   - retry_from_checkpoint or retry_failed: the completed steps are kept;
     the run can be resumed once the cause is fixed.
   - manual: stop and report the failure point and reason.
   - A POLICY failure means a budget or approval rule refused the run.
     Do not retry it unchanged.

4. CALL shikumi_trace_history with the trace_id to show which worker ran
   each step and why.`, goal, goal),
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewApprovalsPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Review the approval queue",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Review every pending approval request.

1. CALL shikumi_pending_approvals.

2. For each request, read operation, risk_level and metadata. CALL
   shikumi_trace_history with its trace_id to see the plan it belongs to.

3. CALL shikumi_respond_approval with status APPROVED or DENIED and a
   reason that names what you checked. Requests that expire before a
   response are resolved by the gate's timeout policy.`,
				},
			},
		},
	}, nil
}
