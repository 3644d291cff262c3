package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/shikumi/internal/model"
)

// HTTPTool runs a step by POSTing its inputs to a remote worker endpoint.
// The response body is decoded as JSON and becomes the step result.
type HTTPTool struct {
	name       string
	endpoint   string
	httpClient *http.Client
}

// NewHTTPTool creates a tool that calls endpoint. A nil client uses one with
// a 60s timeout.
func NewHTTPTool(name, endpoint string, client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTool{name: name, endpoint: endpoint, httpClient: client}
}

type httpToolRequest struct {
	Tool    string                 `json:"tool"`
	Context model.ExecutionContext `json:"context"`
	Inputs  map[string]any         `json:"inputs"`
}

// HTTPStatusError is a non-2xx response from a worker endpoint.
type HTTPStatusError struct {
	Tool       string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("tool %s: status %d: %s", e.Tool, e.StatusCode, e.Body)
}

// FailureMode maps the status onto the failure taxonomy.
func (e *HTTPStatusError) FailureMode() model.FailureMode {
	switch {
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return model.FailureTerminalSecurity
	case e.StatusCode == http.StatusTooManyRequests:
		return model.FailureResource
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode >= 500:
		return model.FailureSystem
	case e.StatusCode >= 400:
		return model.FailureUser
	}
	return model.FailurePartialStep
}

// Execute implements Tool.
func (t *HTTPTool) Execute(ctx context.Context, inputs map[string]any, ec model.ExecutionContext) (any, error) {
	body, err := json.Marshal(httpToolRequest{
		Tool:    t.name,
		Context: ec,
		Inputs:  inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal request: %w", t.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tool %s: create request: %w", t.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-ID", ec.TraceID())
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: send request: %w", t.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPStatusError{Tool: t.name, StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("tool %s: decode response: %w", t.name, err)
	}
	return out, nil
}
