package common

import (
	"context"
	"log/slog"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyCycleID contextKey = "cycle_id"
	ContextKeyJobID   contextKey = "job_id"
)

// WithCycleID adds a polling cycle ID to the context
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, ContextKeyCycleID, cycleID)
}

// CycleIDFromContext extracts the cycle ID from context
func CycleIDFromContext(ctx context.Context) string {
	if cycleID, ok := ctx.Value(ContextKeyCycleID).(string); ok {
		return cycleID
	}
	return ""
}

// WithJobID adds the job being processed to the context
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, ContextKeyJobID, jobID)
}

// JobIDFromContext extracts the job ID from context
func JobIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ContextKeyJobID).(int64)
	return id, ok
}

// Logger returns logger annotated with the cycle and job IDs carried by ctx.
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if id := CycleIDFromContext(ctx); id != "" {
		logger = logger.With("cycle_id", id)
	}
	if id, ok := JobIDFromContext(ctx); ok {
		logger = logger.With("job_id", id)
	}
	return logger
}
