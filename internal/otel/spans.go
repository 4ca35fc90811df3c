package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for kvflow spans.
var (
	AttrTaskID   = attribute.Key("kvflow.task.id")
	AttrRunID    = attribute.Key("kvflow.run.id")
	AttrMode     = attribute.Key("kvflow.task.mode")
	AttrBaseID   = attribute.Key("kvflow.task.base_id")
	AttrPages    = attribute.Key("kvflow.cache.pages")
	AttrChainLen = attribute.Key("kvflow.cache.chain_len")
	AttrTopic    = attribute.Key("kvflow.queue.topic")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConsumerSpan starts a span for a blocking topic receive.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}
