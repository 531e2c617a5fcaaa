package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for pulse spans.
var (
	AttrUserID         = attribute.Key("pulse.user.id")
	AttrTriggerID      = attribute.Key("pulse.trigger.id")
	AttrTriggerType    = attribute.Key("pulse.trigger.type")
	AttrTriggerSource  = attribute.Key("pulse.trigger.source")
	AttrDeliveryMethod = attribute.Key("pulse.delivery.method")
	AttrSessionID      = attribute.Key("pulse.session.id")
	AttrScheduleID     = attribute.Key("pulse.schedule.id")
	AttrDetector       = attribute.Key("pulse.detector")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (Telegram, push service).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
