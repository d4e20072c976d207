package pricefeed

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

type testLogger struct{}

func (t *testLogger) Log(v ...any)                 {}
func (t *testLogger) Logf(format string, v ...any) {}

func TestOptions(t *testing.T) {
	opts := NewOptions(
		Addrs("https://api.example.com/ws"),
		ClientID("dashboard"),
		WithLogger(&testLogger{}),
		ErrorHandler(func(context.Context, Event) error { return nil }),
		TLSConfig(&tls.Config{}),
		Tracer(trace.NewNoopTracerProvider().Tracer("test")),
		Meter(noop.NewMeterProvider().Meter("test")),
		Codec(JsonMarshaler{}),
		WithHeartbeat(time.Second, 2*time.Second),
		WithReconnectDelay(time.Second),
		WithMaxReconnectAttempts(3),
		WithConnectTimeout(5*time.Second),
	)

	assert.Equal(t, []string{"https://api.example.com/ws"}, opts.Addrs)
	assert.Equal(t, "dashboard", opts.ClientID)
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.ErrorHandler)
	assert.NotNil(t, opts.TLSConfig)
	assert.NotNil(t, opts.Tracer)
	assert.NotNil(t, opts.Meter)
	assert.NotNil(t, opts.Codec)
	assert.Equal(t, time.Second, opts.HeartbeatOutgoing)
	assert.Equal(t, 2*time.Second, opts.HeartbeatIncoming)
	assert.Equal(t, time.Second, opts.ReconnectDelay)
	assert.Equal(t, 3, opts.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, opts.ConnectTimeout)
}

func TestOptions_Defaults(t *testing.T) {
	opts := NewOptions()

	assert.Equal(t, 4000*time.Millisecond, opts.HeartbeatOutgoing)
	assert.Equal(t, 4000*time.Millisecond, opts.HeartbeatIncoming)
	assert.Equal(t, 3000*time.Millisecond, opts.ReconnectDelay)
	assert.Equal(t, 5, opts.MaxReconnectAttempts)
	assert.Equal(t, 10*time.Second, opts.ConnectTimeout)
	assert.Equal(t, "json", opts.Codec.String())
	assert.NotNil(t, opts.Scheduler)
	assert.NotNil(t, opts.Context)
}

func TestSubscribeOptions(t *testing.T) {
	opts := NewSubscribeOptions(
		SubscribeHeader("ack", "auto"),
		SubscribeContext(context.WithValue(context.Background(), "key", "val")),
	)

	assert.Equal(t, "auto", opts.Header["ack"])
	assert.Equal(t, "val", opts.Context.Value("key"))
}

func TestSendOptions(t *testing.T) {
	opts := NewSendOptions(
		SendHeader("priority", "9"),
		SendContentType("text/plain"),
		SendContext(context.WithValue(context.Background(), "key", "val")),
	)

	assert.Equal(t, "9", opts.Header["priority"])
	assert.Equal(t, "text/plain", opts.ContentType)
	assert.Equal(t, "val", opts.Context.Value("key"))
}
