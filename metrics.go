package pricefeed

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type instruments struct {
	received      metric.Int64Counter
	reconnects    metric.Int64Counter
	subscriptions metric.Int64UpDownCounter
}

func newInstruments(m metric.Meter, logger Logger) *instruments {
	if m == nil {
		m = noop.NewMeterProvider().Meter("github.com/qvcloud/pricefeed")
	}
	var (
		in  instruments
		err error
	)
	if in.received, err = m.Int64Counter("pricefeed.messages.received",
		metric.WithDescription("Messages delivered to subscription handlers.")); err != nil {
		logger.Logf("pricefeed: metric pricefeed.messages.received: %v", err)
		in.received, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if in.reconnects, err = m.Int64Counter("pricefeed.reconnect.attempts",
		metric.WithDescription("Automatic reconnect attempts started.")); err != nil {
		logger.Logf("pricefeed: metric pricefeed.reconnect.attempts: %v", err)
		in.reconnects, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if in.subscriptions, err = m.Int64UpDownCounter("pricefeed.subscriptions.active",
		metric.WithDescription("Live topic subscriptions.")); err != nil {
		logger.Logf("pricefeed: metric pricefeed.subscriptions.active: %v", err)
		in.subscriptions, _ = noop.NewMeterProvider().Meter("").Int64UpDownCounter("")
	}
	return &in
}

func (in *instruments) message(topic string) {
	in.received.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (in *instruments) reconnect(attempt int) {
	in.reconnects.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

func (in *instruments) subscribed(delta int) {
	if delta == 0 {
		return
	}
	in.subscriptions.Add(context.Background(), int64(delta))
}
