package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID  contextKey = "trace_id"
	keyTenantID contextKey = "tenant_id"
	keyWorkerID contextKey = "worker_id"
	keyJobID    contextKey = "job_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithTenantID adds tenant ID to context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, keyTenantID, tenantID)
}

// TenantID extracts tenant ID from context.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTenantID).(string)
	return v, ok && v != ""
}

// WithWorkerID adds the claiming worker ID to context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, keyWorkerID, workerID)
}

// WorkerID extracts the worker ID from context.
func WorkerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyWorkerID).(string)
	return v, ok && v != ""
}

// WithJobID adds job ID to context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, keyJobID, jobID)
}

// JobID extracts job ID from context.
func JobID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyJobID).(string)
	return v, ok && v != ""
}
