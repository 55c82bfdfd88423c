package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gocrew spans and metrics.
var (
	AttrTaskID    = attribute.Key("gocrew.task.id")
	AttrKickoffID = attribute.Key("gocrew.kickoff.id")
	AttrReplayID  = attribute.Key("gocrew.replay.id")
	AttrFromTask  = attribute.Key("gocrew.replay.from_task")
	AttrCategory  = attribute.Key("gocrew.memory.category")
	AttrOutcome   = attribute.Key("gocrew.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
