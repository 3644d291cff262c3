// Package ctxutil carries request-scoped values through context.Context.
//
// The server and mcp packages both read the authenticated principal, and the
// kernel packages read the ExecutionContext; keeping the keys here avoids an
// import cycle between them.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/shikumi/internal/auth"
	"github.com/ashita-ai/shikumi/internal/model"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyExecution contextKey = "execution"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithExecution returns a context carrying ec.
func WithExecution(ctx context.Context, ec model.ExecutionContext) context.Context {
	return context.WithValue(ctx, keyExecution, ec)
}

// ExecutionFromContext returns the ExecutionContext stored by WithExecution.
func ExecutionFromContext(ctx context.Context) (model.ExecutionContext, bool) {
	ec, ok := ctx.Value(keyExecution).(model.ExecutionContext)
	return ec, ok && !ec.IsZero()
}

// TraceID returns the trace ID of the context's ExecutionContext, or "".
func TraceID(ctx context.Context) string {
	if ec, ok := ExecutionFromContext(ctx); ok {
		return ec.TraceID()
	}
	return ""
}

// WithRequestID returns a context carrying the HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID returns the HTTP request ID, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}
