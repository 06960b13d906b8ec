package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const proxyTracerName = "grov-proxy-pipeline"

func proxyTracer() trace.Tracer {
	return Tracer(proxyTracerName)
}

// TraceForward creates a span for one upstream forward call.
func TraceForward(ctx context.Context, agentName, projectPath string, bodyLen int) (context.Context, trace.Span) {
	ctx, span := proxyTracer().Start(ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("agent", agentName),
		attribute.String("project", projectPath),
		attribute.Int("body_bytes", bodyLen),
	)
	return ctx, span
}

// TracePostProcess creates a span for the fire-and-forget post-processing task.
func TracePostProcess(ctx context.Context, sessionID, projectPath string) (context.Context, trace.Span) {
	ctx, span := proxyTracer().Start(ctx, "proxy.postprocess",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("project", projectPath),
	)
	return ctx, span
}

// TraceKeepAlive creates a span for one extended-cache keep-alive request.
func TraceKeepAlive(ctx context.Context, projectPath string, attempt int) (context.Context, trace.Span) {
	ctx, span := proxyTracer().Start(ctx, "proxy.keepalive",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("project", projectPath),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

// EndSpan records the error (if any) on the span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
