package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shikumi/internal/audit"
	"github.com/ashita-ai/shikumi/internal/auth"
	"github.com/ashita-ai/shikumi/internal/coordinator"
	"github.com/ashita-ai/shikumi/internal/ctxutil"
	"github.com/ashita-ai/shikumi/internal/executor"
	"github.com/ashita-ai/shikumi/internal/ratelimit"
)

// Pinger reports backend reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Checkpointer, Backend, Limiter, MCPServer,
// Metrics, Middlewares.
type Config struct {
	// Required dependencies.
	Coordinator *coordinator.Coordinator
	Trail       *audit.Trail
	JWTMgr      *auth.JWTManager
	Directory   *auth.Directory
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Checkpointer executor.Checkpointer
	Backend      Pinger
	BackendName  string
	Limiter      ratelimit.Limiter
	MCPServer    *mcpserver.MCPServer
	Metrics      http.Handler
	// Middlewares wrap the whole chain. The first entry runs first.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Coordinator == nil:
		return nil, errors.New("server: coordinator is required")
	case cfg.Trail == nil:
		return nil, errors.New("server: audit trail is required")
	case cfg.JWTMgr == nil:
		return nil, errors.New("server: jwt manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Directory == nil {
		cfg.Directory = &auth.Directory{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NoopLimiter{}
	}

	h := NewHandlers(HandlersDeps{
		Coordinator:         cfg.Coordinator,
		Trail:               cfg.Trail,
		JWTMgr:              cfg.JWTMgr,
		Directory:           cfg.Directory,
		Checkpointer:        cfg.Checkpointer,
		Backend:             cfg.Backend,
		BackendName:         cfg.BackendName,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.Limiter, func(r *http.Request) string {
		return "auth:" + ratelimit.IPKeyFunc(r)
	}, reqIDFunc, cfg.Logger)
	runRL := ratelimit.Middleware(cfg.Limiter, principalKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Orchestration (operator+, rate limited per principal).
	operator := requireRole(auth.RoleOperator)
	mux.Handle("POST /v1/orchestrate", runRL(operator(http.HandlerFunc(h.HandleOrchestrate))))
	mux.Handle("POST /v1/resume", runRL(operator(http.HandlerFunc(h.HandleResume))))

	// Approval queue (approver+).
	approver := requireRole(auth.RoleApprover)
	mux.Handle("GET /v1/approvals", approver(http.HandlerFunc(h.HandleListApprovals)))
	mux.Handle("GET /v1/approvals/{id}", approver(http.HandlerFunc(h.HandleGetApproval)))
	mux.Handle("POST /v1/approvals/{id}/respond", approver(http.HandlerFunc(h.HandleRespondApproval)))
	mux.Handle("POST /v1/approvals/{id}/cancel", approver(http.HandlerFunc(h.HandleCancelApproval)))

	// Trace history (viewer+).
	viewer := requireRole(auth.RoleViewer)
	mux.Handle("GET /v1/traces/{trace_id}/decisions", viewer(http.HandlerFunc(h.HandleTraceDecisions)))
	mux.Handle("GET /v1/traces/{trace_id}/verify", viewer(http.HandlerFunc(h.HandleVerifyTrace)))

	// MCP StreamableHTTP transport (operator+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(propagateClaims),
		)
		mux.Handle("/mcp", operator(mcpHTTP))
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for _, mw := range slices.Backward(cfg.Middlewares) {
		handler = mw(handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}, nil
}

// propagateClaims keeps the authenticated principal on the context MCP tool
// handlers receive.
func propagateClaims(ctx context.Context, r *http.Request) context.Context {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return ctxutil.WithClaims(ctx, claims)
	}
	return ctx
}

// principalKeyFunc rate limits by principal. Admins are exempt.
func principalKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.Role.AtLeast(auth.RoleAdmin) {
		return ""
	}
	return "run:" + claims.Name()
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
