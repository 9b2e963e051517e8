package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type principalKey struct{}
type taskIDKey struct{}
type parentIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithPrincipalID attaches the owning principal to the context.
func WithPrincipalID(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// PrincipalID extracts the principal id from context. Returns "" if absent.
func PrincipalID(ctx context.Context) string {
	if v, ok := ctx.Value(principalKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithParentTaskID attaches the root/parent task id to the context.
func WithParentTaskID(ctx context.Context, parentID string) context.Context {
	return context.WithValue(ctx, parentIDKey{}, parentID)
}

// ParentTaskID extracts the parent task id from context. Returns "" if absent.
func ParentTaskID(ctx context.Context) string {
	if v, ok := ctx.Value(parentIDKey{}).(string); ok {
		return v
	}
	return ""
}
