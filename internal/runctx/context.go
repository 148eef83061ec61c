// Package runctx carries the identifiers of the run being executed through a
// context, so agents and anything they call can tag their output.
package runctx

import "context"

type contextKey string

const (
	threadIDKey contextKey = "thread_id"
	runIDKey    contextKey = "run_id"
)

func WithThreadID(ctx context.Context, threadID string) context.Context {
	if threadID == "" {
		return ctx
	}
	return context.WithValue(ctx, threadIDKey, threadID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, runID)
}

// WithRun is WithThreadID followed by WithRunID.
func WithRun(ctx context.Context, threadID, runID string) context.Context {
	return WithRunID(WithThreadID(ctx, threadID), runID)
}

func ThreadIDFromContext(ctx context.Context) string {
	return stringValue(ctx, threadIDKey)
}

func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return ""
}
