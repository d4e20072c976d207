package middleware

import (
	"context"

	"github.com/qvcloud/pricefeed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OtelHandler wraps a subscription handler in a consumer span per price
// update. Updates on instrument topics carry the asset class and instrument
// id; a payload that failed to decode is marked raw on the span.
func OtelHandler(h pricefeed.Handler, opts ...Option) pricefeed.Handler {
	o := options{
		tracer: otel.Tracer("github.com/qvcloud/pricefeed"),
		system: "stomp",
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, event pricefeed.Event) error {
		ctx, span := o.tracer.Start(ctx, "pricefeed.handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(updateAttributes(o.system, event)...),
		)
		defer span.End()

		if derr := event.Error(); derr != nil {
			span.SetAttributes(attribute.Bool("pricefeed.payload.raw", true))
			span.AddEvent("payload decode failed", trace.WithAttributes(attribute.String("error", derr.Error())))
		}

		err := h(ctx, event)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// Tracing is OtelHandler in the form Chain takes.
func Tracing(opts ...Option) func(pricefeed.Handler) pricefeed.Handler {
	return func(h pricefeed.Handler) pricefeed.Handler {
		return OtelHandler(h, opts...)
	}
}

func updateAttributes(system string, event pricefeed.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", system),
		attribute.String("messaging.destination", event.Topic()),
		attribute.String("messaging.operation", "process"),
	}
	if msg := event.Message(); msg != nil {
		attrs = append(attrs, attribute.Int("messaging.message.body.size", len(msg.Body)))
	}
	if class, id, ok := pricefeed.ParseTopic(event.Topic()); ok && id != "" {
		attrs = append(attrs,
			attribute.String("pricefeed.asset_class", string(class)),
			attribute.String("pricefeed.instrument", id),
		)
	}
	return attrs
}

type options struct {
	tracer trace.Tracer
	system string
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithSystem sets the messaging.system attribute.
func WithSystem(name string) Option {
	return func(o *options) {
		o.system = name
	}
}
