package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "browserpilot-session"

// TraceSessionRun covers a session from slot acquisition to finalization.
func TraceSessionRun(ctx context.Context, taskID string, maxSteps int) (context.Context, trace.Span) {
	ctx, span := Tracer(sessionTracerName).Start(ctx, "session.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.Int("max_steps", maxSteps),
	)
	return ctx, span
}

// TraceEngineRun covers a single engine Run call.
func TraceEngineRun(ctx context.Context, taskID, engineType string) (context.Context, trace.Span) {
	ctx, span := Tracer(sessionTracerName).Start(ctx, "engine.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("engine_type", engineType),
	)
	return ctx, span
}

// TraceEngineClose covers resource cleanup after a run.
func TraceEngineClose(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := Tracer(sessionTracerName).Start(ctx, "engine.close",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("task_id", taskID))
	return ctx, span
}

// EndSpan records the outcome and ends the span.
func EndSpan(span trace.Span, outcome string, err error) {
	if outcome != "" {
		span.SetAttributes(attribute.String("outcome", outcome))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
