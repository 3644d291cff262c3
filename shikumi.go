// Package shikumi is the public facade of the shikumi orchestration kernel.
//
// An App wires configuration, telemetry, the audit trail, the planning,
// routing, approval and execution authorities, the HTTP API and the MCP
// server. Construct it with New and run it with Run:
//
//	app, err := shikumi.New(
//		shikumi.WithVersion(version),
//		shikumi.WithLogger(logger),
//		shikumi.WithTool("crm.search", searchTool),
//	)
//	if err != nil {
//		return err
//	}
//	return app.Run(ctx)
//
// Embedders that do not need the HTTP server can call Orchestrate and
// Resume directly.
package shikumi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shikumi/internal/approval"
	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/auth"
	"github.com/ashita-ai/shikumi/internal/budget"
	"github.com/ashita-ai/shikumi/internal/config"
	"github.com/ashita-ai/shikumi/internal/coordinator"
	"github.com/ashita-ai/shikumi/internal/executor"
	"github.com/ashita-ai/shikumi/internal/failure"
	"github.com/ashita-ai/shikumi/internal/mcp"
	"github.com/ashita-ai/shikumi/internal/memory"
	"github.com/ashita-ai/shikumi/internal/model"
	"github.com/ashita-ai/shikumi/internal/planning"
	"github.com/ashita-ai/shikumi/internal/policy"
	"github.com/ashita-ai/shikumi/internal/ratelimit"
	"github.com/ashita-ai/shikumi/internal/routing"
	"github.com/ashita-ai/shikumi/internal/server"
	"github.com/ashita-ai/shikumi/internal/storage"
	"github.com/ashita-ai/shikumi/internal/telemetry"
	"github.com/ashita-ai/shikumi/migrations"
)

// shutdownPhaseTimeout bounds each graceful shutdown phase.
const shutdownPhaseTimeout = 10 * time.Second

// App is the shikumi server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	srv          *server.Server
	coord        *coordinator.Coordinator
	gate         *approval.Gate
	trail        *audit.Trail
	qdrant       *memory.Qdrant  // nil when Qdrant is not configured
	indexer      *memory.Indexer // nil when Qdrant is not configured
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the kernel. It loads configuration, opens the audit
// backend, runs migrations, loads the tool catalog and wires every
// subsystem. It does NOT start any goroutines or accept HTTP connections;
// call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.catalogPath != "" {
		cfg.CatalogPath = o.catalogPath
	}
	if o.auditBackend != "" {
		cfg.AuditBackend = o.auditBackend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("shikumi starting", "version", version, "port", cfg.Port, "audit_backend", cfg.AuditBackend)

	ctx := context.Background()

	// Everything opened below is closed in reverse order if a later step fails.
	var closers []func()
	fail := func(err error) (*App, error) {
		for _, c := range slices.Backward(closers) {
			c()
		}
		return nil, err
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	closers = append(closers, func() { _ = otelShutdown(context.Background()) })

	store, err := openAuditStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	trail, err := audit.NewTrail(ctx, store.backend, logger)
	if err != nil {
		_ = store.backend.Close()
		return fail(fmt.Errorf("audit trail: %w", err))
	}
	closers = append(closers, func() { _ = trail.Close() })

	if cfg.CatalogPath == "" {
		return fail(errors.New("catalog: SHIKUMI_CATALOG_PATH is required"))
	}
	catalog, err := planning.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return fail(fmt.Errorf("catalog: %w", err))
	}
	logger.Info("catalog loaded", "path", cfg.CatalogPath, "tools", catalog.Len(), "workers", len(catalog.Workers()))

	registry, err := newToolRegistry(catalog, o.tools, logger)
	if err != nil {
		return fail(err)
	}

	// Memory enrichment: an explicit Searcher wins over Qdrant.
	var searcher memory.Searcher
	var qdrant *memory.Qdrant
	var indexer *memory.Indexer
	switch {
	case o.searcher != nil:
		searcher = o.searcher
		logger.Info("memory: external searcher")
	case cfg.QdrantURL != "":
		qdrant, err = openQdrant(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = qdrant.Close() })
		searcher = qdrant
		indexer = memory.NewIndexer(qdrant, logger, 2*time.Second, 32, 1024)
		logger.Info("memory: qdrant enabled", "collection", cfg.QdrantCollection, "model", cfg.OllamaModel)
	default:
		logger.Info("memory: disabled (no SHIKUMI_QDRANT_URL)")
	}

	minRisk, err := model.ParseRiskLevel(cfg.ApprovalMinRisk)
	if err != nil {
		return fail(fmt.Errorf("approval: %w", err))
	}
	evaluator, err := newEvaluator(ctx, cfg, minRisk, o.policyEvaluator, logger)
	if err != nil {
		return fail(err)
	}

	gate := approval.NewGate(approval.Policy{
		Enabled:              cfg.ApprovalEnabled,
		Timeout:              cfg.ApprovalTimeout,
		AutoApproveOnTimeout: cfg.ApprovalAutoApprove,
		MinRisk:              minRisk,
	}, trail, logger)
	closers = append(closers, func() { _ = gate.Close() })

	routingKind, err := routing.ParsePolicyKind(cfg.RoutingPolicy)
	if err != nil {
		return fail(err)
	}
	router, err := routing.NewAuthority(routingKind, trail, logger)
	if err != nil {
		return fail(err)
	}

	strategy, err := failure.ParseStrategy(cfg.RetryStrategy)
	if err != nil {
		return fail(err)
	}
	exec := executor.New(registry, store.checkpointer, executor.Config{
		Retry: failure.RetryPolicy{
			Strategy:    strategy,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxWait:     cfg.RetryMaxWait,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitter,
		},
	}, logger)

	// Metrics: every App owns its registry unless one is injected.
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	var sinks []telemetry.Sink
	if indexer != nil {
		sinks = append(sinks, indexer)
	}
	for _, s := range o.eventSinks {
		sinks = append(sinks, s)
	}
	emitter, err := newEmitter(reg, sinks, logger)
	if err != nil {
		return fail(err)
	}

	coord, err := coordinator.New(coordinator.Deps{
		Planner:   planning.NewAuthority(trail, searcher, planning.Config{MaxSteps: cfg.MaxPlanSteps}, logger),
		Router:    router,
		Executor:  exec,
		Catalog:   catalog,
		Gate:      gate,
		Evaluator: evaluator,
		Recorder:  trail,
		Emitter:   emitter,
		Logger:    logger,
	}, coordinator.Config{
		Limits: budget.Limits{
			CostCeiling:  cfg.BudgetCostCeiling,
			CallCeiling:  cfg.BudgetCallCeiling,
			TokenCeiling: cfg.BudgetTokenCeiling,
		},
		WarnRatio:       cfg.BudgetWarnRatio,
		RoutingPolicy:   routingKind,
		ApprovalTimeout: cfg.ApprovalTimeout,
	})
	if err != nil {
		return fail(err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	directory, err := auth.ParseDirectory(cfg.ApproverKeys)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	if len(directory.Names()) == 0 {
		logger.Warn("auth: no principals configured (SHIKUMI_APPROVER_KEYS), the API is unreachable")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(coord, trail, version, logger)

	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, mw := range o.middlewares {
		middlewares[i] = mw
	}

	srv, err := server.New(server.Config{
		Coordinator:         coord,
		Trail:               trail,
		JWTMgr:              jwtMgr,
		Directory:           directory,
		Logger:              logger,
		Checkpointer:        store.checkpointer,
		Backend:             store.pinger,
		BackendName:         cfg.AuditBackend,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Metrics:             telemetry.MetricsHandler(reg),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	if err != nil {
		return fail(err)
	}

	return &App{
		cfg:          cfg,
		srv:          srv,
		coord:        coord,
		gate:         gate,
		trail:        trail,
		qdrant:       qdrant,
		indexer:      indexer,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for tests and for embedding the API
// in another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Orchestrate plans, routes and executes goal under ec. Failures are
// returned as errors carrying the failure mode and the partial result.
func (a *App) Orchestrate(ctx context.Context, goal string, ec ExecutionContext) (*Outcome, error) {
	return a.coord.Orchestrate(ctx, goal, ec)
}

// Resume continues a run from partial, skipping the steps it already
// completed.
func (a *App) Resume(ctx context.Context, goal string, partial *PartialResult, ec ExecutionContext) (*Outcome, error) {
	return a.coord.Resume(ctx, goal, partial, ec)
}

// Run starts the HTTP server, the approval sweeper and the memory indexer,
// then blocks until ctx is cancelled or the server fails. On return,
// Shutdown has been called; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.indexer != nil {
		a.indexer.Start(gctx)
	}

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.gate.RunSweeper(gctx, a.cfg.ApprovalSweepInterval, a.cfg.ApprovalRetention)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight runs,
// (2) flush telemetry,
// (3) drain the memory indexer,
// (4) close the memory index and the audit backend.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shikumi shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: telemetry flush.
	otelCtx, otelCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	if err := a.otelShutdown(otelCtx); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	otelCancel()

	// Phase 3: memory indexer drain.
	if a.indexer != nil {
		idxCtx, idxCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
		a.indexer.Drain(idxCtx)
		idxCancel()
	}

	// Phase 4: approval metrics and storage.
	if err := a.gate.Close(); err != nil {
		a.logger.Warn("approval gate close error", "error", err)
	}
	if a.qdrant != nil {
		_ = a.qdrant.Close()
	}
	var err error
	if cerr := a.trail.Close(); cerr != nil {
		err = fmt.Errorf("audit close: %w", cerr)
		a.logger.Error("audit backend close failed", "error", cerr)
	}

	a.logger.Info("shikumi stopped")
	return err
}

// auditStore is the audit backend plus what the SQL backends also provide.
type auditStore struct {
	backend      audit.Backend
	checkpointer executor.Checkpointer
	pinger       server.Pinger // nil for memory and file
}

func openAuditStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (auditStore, error) {
	switch cfg.AuditBackend {
	case "file":
		f, err := audit.OpenFile(logger, audit.FileConfig{Path: cfg.AuditFile, SyncMode: cfg.AuditSync})
		if err != nil {
			return auditStore{}, fmt.Errorf("audit file: %w", err)
		}
		logger.Info("audit: file backend", "path", cfg.AuditFile, "sync_mode", cfg.AuditSync)
		return auditStore{backend: f, checkpointer: executor.NewMemoryCheckpointer()}, nil

	case "sqlite":
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return auditStore{}, fmt.Errorf("sqlite: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.SQLite); err != nil {
			_ = db.Close()
			return auditStore{}, fmt.Errorf("sqlite migrations: %w", err)
		}
		logger.Info("audit: sqlite backend", "path", cfg.SQLitePath)
		return auditStore{backend: db, checkpointer: db, pinger: db}, nil

	case "postgres":
		db, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return auditStore{}, fmt.Errorf("postgres: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.Postgres); err != nil {
			_ = db.Close()
			return auditStore{}, fmt.Errorf("postgres migrations: %w", err)
		}
		logger.Info("audit: postgres backend")
		return auditStore{backend: db, checkpointer: db, pinger: db}, nil

	default:
		logger.Warn("audit: memory backend, decisions are lost on restart")
		return auditStore{backend: audit.NewMemory(), checkpointer: executor.NewMemoryCheckpointer()}, nil
	}
}

// newToolRegistry binds every catalog tool to an in-process Tool or to an
// HTTP worker at its endpoint.
func newToolRegistry(catalog *planning.Catalog, tools map[string]Tool, logger *slog.Logger) (*executor.Registry, error) {
	reg := executor.NewRegistry()
	client := &http.Client{Timeout: 60 * time.Second}
	for _, spec := range catalog.Tools() {
		var t executor.Tool
		switch {
		case tools[spec.Name] != nil:
			t = tools[spec.Name]
		case spec.Endpoint != "":
			t = executor.NewHTTPTool(spec.Name, spec.Endpoint, client)
		default:
			return nil, fmt.Errorf("catalog: tool %q has no endpoint and no in-process implementation", spec.Name)
		}
		if err := reg.Register(spec.Name, t); err != nil {
			return nil, err
		}
	}
	for name := range tools {
		if _, ok := catalog.Get(name); !ok {
			logger.Warn("tool registered but not in catalog, the planner will never choose it", "tool", name)
		}
	}
	return reg, nil
}

func openQdrant(ctx context.Context, cfg config.Config, logger *slog.Logger) (*memory.Qdrant, error) {
	embedder := memory.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	q, err := memory.NewQdrant(memory.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("qdrant: %w", err)
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := q.EnsureCollection(ensureCtx); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("qdrant ensure collection: %w", err)
	}
	return q, nil
}

func newEvaluator(ctx context.Context, cfg config.Config, minRisk model.RiskLevel, external PolicyEvaluator, logger *slog.Logger) (policy.Evaluator, error) {
	switch {
	case external != nil:
		logger.Info("risk policy: external evaluator")
		return external, nil
	case cfg.ApprovalPolicyFile != "":
		ev, err := policy.LoadRegoEvaluator(ctx, cfg.ApprovalPolicyFile, logger)
		if err != nil {
			return nil, fmt.Errorf("risk policy: %w", err)
		}
		logger.Info("risk policy: rego", "path", cfg.ApprovalPolicyFile)
		return ev, nil
	default:
		logger.Info("risk policy: static threshold", "min_risk", minRisk)
		return policy.StaticEvaluator{MinRisk: minRisk}, nil
	}
}

func newEmitter(reg prometheus.Registerer, extra []telemetry.Sink, logger *slog.Logger) (*telemetry.Emitter, error) {
	promSink, err := telemetry.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	otelSink, err := telemetry.NewOTELSink()
	if err != nil {
		return nil, err
	}
	sinks := []telemetry.Sink{
		telemetry.LogSink{Logger: logger, Level: slog.LevelDebug},
		otelSink,
		promSink,
	}
	sinks = append(sinks, extra...)
	return telemetry.NewEmitter(logger, sinks...), nil
}
