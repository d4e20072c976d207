package relay

import (
	"context"
	"crypto/tls"

	"github.com/qvcloud/pricefeed"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Sink.
type Options struct {
	Addrs    []string
	ClientID string

	TLSConfig *tls.Config
	Logger    pricefeed.Logger
	Tracer    trace.Tracer

	// Context carries sink specific options, registered with
	// pricefeed.WithTrackedValue.
	Context context.Context
}

type Option func(*Options)

func NewOptions(opts ...Option) *Options {
	options := Options{
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&options)
	}

	if options.Logger == nil {
		options.Logger = pricefeed.DefaultLogger()
	}
	return &options
}

// Addrs sets the sink endpoints.
func Addrs(addrs ...string) Option {
	return func(o *Options) {
		o.Addrs = addrs
	}
}

func ClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

func WithLogger(l pricefeed.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Tracer sets the tracer used around each publish.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}
