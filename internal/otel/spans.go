package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for storyctl spans.
var (
	AttrStoryID      = attribute.Key("storyctl.story.id")
	AttrStepID       = attribute.Key("storyctl.step.id")
	AttrWave         = attribute.Key("storyctl.wave")
	AttrDispatchName = attribute.Key("storyctl.dispatch.executor")
	AttrModel        = attribute.Key("storyctl.llm.model")
	AttrTokensInput  = attribute.Key("storyctl.llm.tokens.input")
	AttrTokensOutput = attribute.Key("storyctl.llm.tokens.output")
	AttrGatePassed   = attribute.Key("storyctl.gate.passed")
	AttrRepository   = attribute.Key("storyctl.repository.path")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (cmd/storyctl's request surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM provider, git host).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
