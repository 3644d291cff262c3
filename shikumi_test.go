package shikumi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikumi"
)

const catalogYAML = `
tools:
  - name: crm.search
    description: Search accounts in the CRM
    keywords: [accounts, search]
    capabilities: [crm]
    estimated_cost: 0.5
  - name: report.render
    description: Render a summary report
    keywords: [report, summary]
    capabilities: [reporting]
    estimated_cost: 1.0
workers:
  - id: worker-a
    capabilities: [crm]
  - id: worker-b
    capabilities: [reporting]
`

// setupEnv points the kernel at a fresh catalog and keeps it off the
// network.
func setupEnv(t *testing.T, catalog string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))

	t.Setenv("SHIKUMI_CATALOG_PATH", path)
	t.Setenv("SHIKUMI_AUDIT_BACKEND", "memory")
	t.Setenv("SHIKUMI_RETRY_STRATEGY", "none")
	t.Setenv("SHIKUMI_RETRY_MAX_ATTEMPTS", "1")
	t.Setenv("SHIKUMI_RATE_LIMIT_RPS", "0")
	t.Setenv("SHIKUMI_QDRANT_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

func echoTool(name string) shikumi.Tool {
	return shikumi.ToolFunc(func(_ context.Context, _ map[string]any, ec shikumi.ExecutionContext) (any, error) {
		return name + " for " + ec.TraceID(), nil
	})
}

type recordingSink struct {
	mu    sync.Mutex
	types []string
}

func (s *recordingSink) Consume(_ context.Context, e shikumi.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, string(e.EventType))
	return nil
}

func (s *recordingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

func TestNewAndOrchestrate(t *testing.T) {
	setupEnv(t, catalogYAML)
	sink := &recordingSink{}

	app, err := shikumi.New(
		shikumi.WithVersion("test"),
		shikumi.WithTool("crm.search", echoTool("crm.search")),
		shikumi.WithTool("report.render", echoTool("report.render")),
		shikumi.WithEventSink(sink),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ec, err := shikumi.NewExecutionContext("trace-facade", "")
	require.NoError(t, err)

	out, err := app.Orchestrate(context.Background(), "search accounts and render the summary report", ec)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", string(out.Stage))
	assert.Equal(t, []string{"0:report.render", "1:crm.search"}, out.Partial.CompletedSteps)
	assert.Equal(t, "crm.search for trace-facade", out.Partial.StepResults["1:crm.search"])

	seen := sink.seen()
	assert.Contains(t, seen, "plan_created")
	assert.Contains(t, seen, "route_decision")
	assert.Contains(t, seen, "plan_completed")
}

func TestNewRequiresImplementationForEveryTool(t *testing.T) {
	setupEnv(t, catalogYAML)

	_, err := shikumi.New(shikumi.WithTool("crm.search", echoTool("crm.search")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report.render")
}

func TestNewRequiresCatalog(t *testing.T) {
	setupEnv(t, catalogYAML)
	t.Setenv("SHIKUMI_CATALOG_PATH", "")

	_, err := shikumi.New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHIKUMI_CATALOG_PATH")
}

func TestNewRejectsBadConfig(t *testing.T) {
	setupEnv(t, catalogYAML)
	t.Setenv("SHIKUMI_ROUTING_POLICY", "random")

	_, err := shikumi.New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHIKUMI_ROUTING_POLICY")
}

func TestHTTPWorkerFromCatalogEndpoint(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tool string `json:"tool"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"rendered_by": body.Tool})
	}))
	t.Cleanup(worker.Close)

	catalog := strings.Replace(catalogYAML,
		"    estimated_cost: 1.0\n",
		"    estimated_cost: 1.0\n    endpoint: "+worker.URL+"\n", 1)
	setupEnv(t, catalog)

	app, err := shikumi.New(shikumi.WithTool("crm.search", echoTool("crm.search")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ec, err := shikumi.NewExecutionContext("", "")
	require.NoError(t, err)
	out, err := app.Orchestrate(context.Background(), "render the summary report", ec)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rendered_by": "report.render"}, out.Partial.StepResults["0:report.render"])
}

type blockEverything struct{}

func (blockEverything) Evaluate(_ context.Context, in shikumi.RiskInput) (shikumi.RiskAssessment, error) {
	return shikumi.RiskAssessment{Risk: in.Risk, Decision: shikumi.DecisionBlock, Reason: "frozen"}, nil
}

func TestPolicyEvaluatorOption(t *testing.T) {
	setupEnv(t, catalogYAML)

	app, err := shikumi.New(
		shikumi.WithTool("crm.search", echoTool("crm.search")),
		shikumi.WithTool("report.render", echoTool("report.render")),
		shikumi.WithPolicyEvaluator(blockEverything{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ec, err := shikumi.NewExecutionContext("", "")
	require.NoError(t, err)
	_, err = app.Orchestrate(context.Background(), "search accounts", ec)
	require.Error(t, err)

	var classified interface{ FailureMode() shikumi.FailureMode }
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, shikumi.FailurePolicy, classified.FailureMode())
}

func TestHandlerServesHealthAndMiddleware(t *testing.T) {
	setupEnv(t, catalogYAML)

	var hits int
	app, err := shikumi.New(
		shikumi.WithVersion("test"),
		shikumi.WithTool("crm.search", echoTool("crm.search")),
		shikumi.WithTool("report.render", echoTool("report.render")),
		shikumi.WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits++
				w.Header().Set("X-Shikumi-Test", "1")
				next.ServeHTTP(w, r)
			})
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Shikumi-Test"))
	assert.Equal(t, 1, hits)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shikumi_events_total")
}

func TestSQLiteBackend(t *testing.T) {
	setupEnv(t, catalogYAML)
	t.Setenv("SHIKUMI_AUDIT_BACKEND", "sqlite")
	t.Setenv("SHIKUMI_SQLITE_PATH", filepath.Join(t.TempDir(), "shikumi.db"))

	app, err := shikumi.New(
		shikumi.WithTool("crm.search", echoTool("crm.search")),
		shikumi.WithTool("report.render", echoTool("report.render")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ec, err := shikumi.NewExecutionContext("trace-sqlite", "")
	require.NoError(t, err)
	_, err = app.Orchestrate(context.Background(), "search accounts", ec)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"audit_backend":"sqlite"`)
}
