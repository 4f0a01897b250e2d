package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each Event into a zero-duration OpenTelemetry span.
//
// Events represent points in time, not durations, so the span is started
// and ended immediately; Name becomes the span name, Meta becomes span
// attributes, and a string-valued Meta["error"] marks the span as failed.
//
// Usage:
//
//	tracer := otel.Tracer("cogkernel")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an Emitter that records one span per event on the
// given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Name)
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Name)
		o.annotate(span, event)
		span.End()
	}
	return nil
}

// Flush is a no-op: span export is owned by the configured
// sdktrace.TracerProvider / span processor, not by this emitter. Flush the
// provider directly during shutdown.
func (o *OTelEmitter) Flush(context.Context) error { return nil }

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	attrs := make([]attribute.KeyValue, 0, len(event.Meta)+1)
	if event.NodeID != "" {
		attrs = append(attrs, attribute.String("node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, toAttribute(k, v))
	}
	span.SetAttributes(attrs...)

	if errMsg, ok := event.Meta["error"].(string); ok && errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
