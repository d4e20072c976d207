package pricefeed

import (
	"context"
	"crypto/tls"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultHeartbeat            = 4000 * time.Millisecond
	DefaultReconnectDelay       = 3000 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
	DefaultConnectTimeout       = 10 * time.Second
)

// Options contains the client configuration.
type Options struct {
	// Addrs is a list of broker endpoints. Only the first one is dialed.
	Addrs []string
	// ClientID is sent to the broker where the protocol has a place for it.
	ClientID string
	// Codec is the marshaler used for encoding/decoding message bodies.
	Codec Marshaler

	// ErrorHandler is called when a subscription handler returns an error.
	ErrorHandler Handler

	// TLSConfig is the TLS configuration for secure connections.
	TLSConfig *tls.Config

	// Logger receives the client's diagnostic output.
	Logger Logger

	// Tracer is the OpenTelemetry tracer for observability.
	Tracer trace.Tracer
	// Meter is the OpenTelemetry meter for observability.
	Meter metric.Meter

	// HeartbeatOutgoing and HeartbeatIncoming are the heart-beat intervals
	// offered to the broker. Zero disables that direction.
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration

	// ReconnectDelay is the base delay; attempt n waits n*ReconnectDelay.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds automatic reconnection.
	MaxReconnectAttempts int
	// ConnectTimeout bounds each dial and handshake.
	ConnectTimeout time.Duration
	// Scheduler runs delayed reconnect attempts.
	Scheduler Scheduler

	// Context is the underlying context for custom options.
	Context context.Context
}

// SubscribeOptions contains options for subscribing to a topic.
type SubscribeOptions struct {
	// Header is sent with the subscription request.
	Header map[string]string

	// Context is passed to the handler.
	Context context.Context
}

// SendOptions contains options for sending a message.
type SendOptions struct {
	Header      map[string]string
	ContentType string

	// Context is the context for the send operation.
	Context context.Context
}

type Option func(*Options)

type SubscribeOption func(*SubscribeOptions)

type SendOption func(*SendOptions)

func NewOptions(opts ...Option) *Options {
	options := Options{
		Codec:                JsonMarshaler{},
		HeartbeatOutgoing:    DefaultHeartbeat,
		HeartbeatIncoming:    DefaultHeartbeat,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ConnectTimeout:       DefaultConnectTimeout,
		Scheduler:            timeScheduler{},
		Context:              context.Background(),
	}

	for _, o := range opts {
		o(&options)
	}

	return &options
}

func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	opt := SubscribeOptions{
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

func NewSendOptions(opts ...SendOption) SendOptions {
	opt := SendOptions{
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

// Addrs sets the broker endpoints to be used by the client.
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

// Codec sets the codec used for encoding/decoding message bodies.
func Codec(c Marshaler) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// ErrorHandler will catch all handler errors that cant be handled
// in normal way.
func ErrorHandler(h Handler) Option {
	return func(o *Options) {
		o.ErrorHandler = h
	}
}

func WithLogger(l Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Tracer sets the tracer used for observability.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// Meter sets the meter used for observability.
func Meter(m metric.Meter) Option {
	return func(o *Options) {
		o.Meter = m
	}
}

// Specify TLS Config.
func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

// WithHeartbeat sets the outgoing and incoming heart-beat intervals.
func WithHeartbeat(outgoing, incoming time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatOutgoing = outgoing
		o.HeartbeatIncoming = incoming
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(o *Options) {
		o.ReconnectDelay = d
	}
}

func WithMaxReconnectAttempts(n int) Option {
	return func(o *Options) {
		o.MaxReconnectAttempts = n
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ConnectTimeout = d
	}
}

// WithScheduler replaces the timer source used for reconnect attempts.
func WithScheduler(s Scheduler) Option {
	return func(o *Options) {
		o.Scheduler = s
	}
}

// SubscribeHeader adds a header to the subscription request.
func SubscribeHeader(key, value string) SubscribeOption {
	return func(o *SubscribeOptions) {
		if o.Header == nil {
			o.Header = make(map[string]string)
		}
		o.Header[key] = value
	}
}

// SubscribeContext set context.
func SubscribeContext(ctx context.Context) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Context = ctx
	}
}

func SendHeader(key, value string) SendOption {
	return func(o *SendOptions) {
		if o.Header == nil {
			o.Header = make(map[string]string)
		}
		o.Header[key] = value
	}
}

func SendContentType(ct string) SendOption {
	return func(o *SendOptions) {
		o.ContentType = ct
	}
}

// SendContext set context.
func SendContext(ctx context.Context) SendOption {
	return func(o *SendOptions) {
		o.Context = ctx
	}
}
