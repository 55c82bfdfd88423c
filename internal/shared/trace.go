package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type kickoffIDKey struct{}
type taskIDKey struct{}
type replayIDKey struct{}

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

// WithKickoffID attaches the kickoff (crew run) id to the context.
func WithKickoffID(ctx context.Context, kickoffID string) context.Context {
	return context.WithValue(ctx, kickoffIDKey{}, kickoffID)
}

// KickoffID extracts kickoff_id from context. Returns "" if absent.
func KickoffID(ctx context.Context) string {
	if v, ok := ctx.Value(kickoffIDKey{}).(string); ok {
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

// WithReplayID marks the context as belonging to a replay run.
func WithReplayID(ctx context.Context, replayID string) context.Context {
	return context.WithValue(ctx, replayIDKey{}, replayID)
}

// ReplayID extracts replay_id from context. Returns "" outside a replay.
func ReplayID(ctx context.Context) string {
	if v, ok := ctx.Value(replayIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewKickoffID generates a new kickoff id.
func NewKickoffID() string {
	return uuid.NewString()
}
