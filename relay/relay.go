// Package relay republishes live price updates from a pricefeed.Client onto
// another message bus.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink is a destination bus.
type Sink interface {
	Connect() error
	Publish(ctx context.Context, subject string, msg *pricefeed.Message) error
	Disconnect() error
	String() string
}

// Subject maps a broker topic to a dotted subject:
// /topic/prices/currency/USD becomes prices.currency.USD.
func Subject(topic string) string {
	s := strings.TrimPrefix(topic, "/topic/")
	s = strings.Trim(s, "/")
	return strings.ReplaceAll(s, "/", ".")
}

type Relay struct {
	client pricefeed.Client
	sink   Sink
	topics []string
	opts   Options

	subject func(string) string
	tap     pricefeed.Handler
	handler pricefeed.Handler

	mu        sync.Mutex
	running   bool
	listeners []pricefeed.ListenerID

	published atomic.Uint64
	failed    atomic.Uint64
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithSubject replaces the topic to subject mapping.
func WithSubject(f func(topic string) string) RelayOption {
	return func(r *Relay) {
		r.subject = f
	}
}

// WithPrefix prepends prefix and a dot to every subject.
func WithPrefix(prefix string) RelayOption {
	return func(r *Relay) {
		next := r.subject
		r.subject = func(topic string) string {
			return prefix + "." + next(topic)
		}
	}
}

// WithTap calls h with every event after it was handed to the sink,
// whether or not the publish succeeded. The client keeps one handler per
// topic, so this is how other consumers share the relay's subscriptions.
func WithTap(h pricefeed.Handler) RelayOption {
	return func(r *Relay) {
		r.tap = h
	}
}

// WithRelayOptions sets the logger and tracer used by the relay itself.
func WithRelayOptions(opts ...Option) RelayOption {
	return func(r *Relay) {
		for _, o := range opts {
			o(&r.opts)
		}
	}
}

// New returns a relay that forwards topics from c to sink. Nothing happens
// until Start.
func New(c pricefeed.Client, sink Sink, topics []string, opts ...RelayOption) *Relay {
	r := &Relay{
		client:  c,
		sink:    sink,
		topics:  topics,
		opts:    *NewOptions(WithLogger(c.Options().Logger)),
		subject: Subject,
	}
	for _, o := range opts {
		o(r)
	}

	r.handler = middleware.Recover(r.forward)
	if r.opts.Tracer != nil {
		r.handler = middleware.OtelHandler(r.handler, middleware.WithTracer(r.opts.Tracer))
	}
	return r
}

// Start connects the sink and subscribes every topic, now if the client is
// connected and again after each reconnect.
func (r *Relay) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	if err := r.sink.Connect(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("relay: connect %s: %w", r.sink.String(), err)
	}
	r.running = true
	r.listeners = append(r.listeners, r.client.On(pricefeed.EventConnect, func(pricefeed.LifecycleEvent) {
		r.subscribeAll()
	}))
	r.mu.Unlock()

	if r.client.Connected() {
		r.subscribeAll()
	}
	return nil
}

func (r *Relay) subscribeAll() {
	for _, topic := range r.topics {
		if _, err := r.client.Subscribe(topic, r.handler); err != nil {
			pricefeed.Warnf(r.opts.Logger, "relay: subscribe %s: %v", topic, err)
		}
	}
}

func (r *Relay) forward(ctx context.Context, ev pricefeed.Event) error {
	err := r.publish(ctx, ev)
	if r.tap != nil {
		if terr := r.tap(ctx, ev); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}

func (r *Relay) publish(ctx context.Context, ev pricefeed.Event) error {
	subject := r.subject(ev.Topic())

	var span trace.Span
	if r.opts.Tracer != nil {
		ctx, span = r.opts.Tracer.Start(ctx, "relay.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.system", r.sink.String()),
				attribute.String("messaging.destination", subject),
			),
		)
		defer span.End()
	}

	if err := r.sink.Publish(ctx, subject, ev.Message()); err != nil {
		r.failed.Add(1)
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return fmt.Errorf("relay: publish %s to %s: %w", subject, r.sink.String(), err)
	}
	r.published.Add(1)
	return nil
}

// Stats returns how many messages were forwarded and how many failed.
func (r *Relay) Stats() (published, failed uint64) {
	return r.published.Load(), r.failed.Load()
}

// Stop unsubscribes the topics and disconnects the sink.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	for _, id := range r.listeners {
		r.client.Off(pricefeed.EventConnect, id)
	}
	r.listeners = nil
	r.mu.Unlock()

	for _, topic := range r.topics {
		if err := r.client.Unsubscribe(topic); err != nil {
			pricefeed.Warnf(r.opts.Logger, "relay: unsubscribe %s: %v", topic, err)
		}
	}
	return r.sink.Disconnect()
}
