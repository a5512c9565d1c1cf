package protocol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceContext stamps the W3C trace context of ctx onto the request.
func (r *ToolCallRequest) InjectTraceContext(ctx context.Context) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	r.TraceParent = carrier["traceparent"]
	r.TraceState = carrier["tracestate"]
	r.Baggage = carrier["baggage"]
}

// ExtractTraceContext returns ctx carrying the trace context of the request.
// A request without trace headers yields ctx unchanged.
func (r ToolCallRequest) ExtractTraceContext(ctx context.Context) context.Context {
	if r.TraceParent == "" && r.TraceState == "" && r.Baggage == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if r.TraceParent != "" {
		carrier["traceparent"] = r.TraceParent
	}
	if r.TraceState != "" {
		carrier["tracestate"] = r.TraceState
	}
	if r.Baggage != "" {
		carrier["baggage"] = r.Baggage
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
