package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	callIDKey ctxKey = "call_id"
	jobIDKey  ctxKey = "job_id"
)

// ContextWithCallID stores the provided call ID in the context.
func ContextWithCallID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callIDKey, id)
}

// ContextWithJobID stores the provided enrichment job ID in the context.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// CallIDFromContext extracts the call ID from context if present.
func CallIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(callIDKey).(string); ok {
		return v
	}
	return ""
}

// JobIDFromContext extracts the enrichment job ID from context if present.
func JobIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok {
		return v
	}
	return ""
}

// WithComponentFromContext returns a component logger enriched with any IDs
// carried by the context.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	lctx := logger().With().Str("component", component)
	if id := CallIDFromContext(ctx); id != "" {
		lctx = lctx.Str("call_id", id)
	}
	if id := JobIDFromContext(ctx); id != "" {
		lctx = lctx.Str("job_id", id)
	}
	return lctx.Logger()
}
