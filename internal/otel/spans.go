package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gateway spans.
var (
	AttrSessionKey = attribute.Key("openclaw.session.key")
	AttrRPCMethod  = attribute.Key("openclaw.rpc.method")
	AttrHookPath   = attribute.Key("openclaw.hook.path")
	AttrHookAction = attribute.Key("openclaw.hook.action")
	AttrRunID      = attribute.Key("openclaw.run.id")
	AttrToolAction = attribute.Key("openclaw.tool.action")
	AttrHandler    = attribute.Key("openclaw.http.handler")
)

// tracer resolves against the globally registered provider, which Init
// installs; before Init it is a no-op.
func tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway HTTP or WS).
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (reverse RPC, delivery).
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
