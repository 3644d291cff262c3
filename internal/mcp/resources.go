package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shikumi/internal/model"
)

const (
	pendingApprovalsURI = "shikumi://approvals/pending"
	traceURIPrefix      = "shikumi://traces/"
	traceURISuffix      = "/decisions"
)

func (s *Server) registerResources() {
	// shikumi://approvals/pending: the approval queue.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			pendingApprovalsURI,
			"Pending Approvals",
			mcplib.WithResourceDescription("Approval requests waiting for a decision"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingResource,
	)

	// shikumi://traces/{trace_id}/decisions: audit trail of one trace.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			traceURIPrefix+"{trace_id}"+traceURISuffix,
			"Trace Decisions",
			mcplib.WithTemplateDescription("Planning, routing and approval decisions recorded for a trace"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTraceResource,
	)
}

func (s *Server) handlePendingResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	var pending any = []any{}
	if gate := s.coord.Gate(); gate != nil {
		pending = gate.Pending()
	}
	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal approvals: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      pendingApprovalsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// traceIDFromURI extracts the trace ID from shikumi://traces/{trace_id}/decisions.
func traceIDFromURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, traceURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid trace URI: %s", uri)
	}
	id, ok := strings.CutSuffix(rest, traceURISuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid trace URI: %s", uri)
	}
	return id, nil
}

func (s *Server) handleTraceResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	traceID, err := traceIDFromURI(uri)
	if err != nil {
		return nil, err
	}

	recs, err := s.trail.GetTraceHistory(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("mcp: trace history: %w", err)
	}
	if recs == nil {
		recs = []model.DecisionRecord{}
	}

	data, err := json.MarshalIndent(map[string]any{
		"trace_id":  traceID,
		"decisions": recs,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal history: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
