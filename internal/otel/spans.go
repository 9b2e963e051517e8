package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrPrincipalID  = attribute.Key("jamesbrain.principal.id")
	AttrTaskID       = attribute.Key("jamesbrain.task.id")
	AttrParentTaskID = attribute.Key("jamesbrain.task.parent_id")
	AttrTaskType     = attribute.Key("jamesbrain.task.type")
	AttrTaskStatus   = attribute.Key("jamesbrain.task.status")
	AttrModel        = attribute.Key("jamesbrain.llm.model")
	AttrTier         = attribute.Key("jamesbrain.llm.tier")
	AttrTokensInput  = attribute.Key("jamesbrain.llm.tokens.input")
	AttrTokensOutput = attribute.Key("jamesbrain.llm.tokens.output")
	AttrWorkerAgent  = attribute.Key("jamesbrain.worker.agent")
	AttrRejectCode   = attribute.Key("jamesbrain.admission.code")
)

var noopTracer = noop.NewTracerProvider().Tracer("")

// orTracer lets callers pass a nil tracer when telemetry is off.
func orTracer(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return noopTracer
	}
	return tracer
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orTracer(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orTracer(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, worker dispatch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return orTracer(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
