// Package rabbitmq is a relay.Sink that publishes price updates to a
// RabbitMQ topic exchange, routed by subject.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/relay"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrNotConnected = errors.New("rabbitmq: not connected")

const (
	DefaultExchange     = "pricefeed"
	DefaultExchangeType = amqp.ExchangeTopic
)

type rabbitConn interface {
	Channel() (rabbitChannel, error)
	Close() error
	IsClosed() bool
}

type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Close() error
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (rabbitChannel, error) {
	return w.Connection.Channel()
}

type rmqSink struct {
	opts relay.Options

	exchange     string
	exchangeType string
	persistent   bool

	sync.RWMutex
	conn    rabbitConn
	channel rabbitChannel
	running bool

	newConn func(addr string, config amqp.Config) (rabbitConn, error)
}

func (r *rmqSink) Options() relay.Options { return r.opts }

func (r *rmqSink) Address() string {
	if len(r.opts.Addrs) > 0 {
		return r.opts.Addrs[0]
	}
	return ""
}

func (r *rmqSink) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.running {
		return nil
	}
	if len(r.opts.Addrs) == 0 {
		return fmt.Errorf("rabbitmq: server addresses are required")
	}
	if err := r.dialLocked(); err != nil {
		return err
	}
	r.running = true

	pricefeed.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

func (r *rmqSink) dialLocked() error {
	config := amqp.Config{
		TLSClientConfig: r.opts.TLSConfig,
	}
	if r.opts.ClientID != "" {
		config.Properties = amqp.Table{
			"connection_name": r.opts.ClientID,
		}
	}

	conn, err := r.newConn(r.Address(), config)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(r.exchange, r.exchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", r.exchange, err)
	}
	r.conn, r.channel = conn, ch
	return nil
}

func (r *rmqSink) Disconnect() error {
	r.Lock()
	defer r.Unlock()

	if !r.running {
		return nil
	}
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	var err error
	if r.conn != nil {
		err = r.conn.Close()
		r.conn = nil
	}
	r.running = false
	return err
}

// channelFor returns the live channel, redialing once if the connection
// dropped since the last publish.
func (r *rmqSink) channelFor() (rabbitChannel, error) {
	r.RLock()
	conn, ch, running := r.conn, r.channel, r.running
	r.RUnlock()

	if !running {
		return nil, ErrNotConnected
	}
	if conn != nil && !conn.IsClosed() && ch != nil {
		return ch, nil
	}

	r.Lock()
	defer r.Unlock()
	if !r.running {
		return nil, ErrNotConnected
	}
	if r.conn != nil && !r.conn.IsClosed() && r.channel != nil {
		return r.channel, nil
	}
	r.opts.Logger.Log("rabbitmq: connection lost, reconnecting")
	if err := r.dialLocked(); err != nil {
		pricefeed.Warnf(r.opts.Logger, "rabbitmq: reconnect failed: %v", err)
		return nil, err
	}
	return r.channel, nil
}

func (r *rmqSink) Publish(ctx context.Context, subject string, msg *pricefeed.Message) error {
	ch, err := r.channelFor()
	if err != nil {
		return err
	}

	contentType := msg.Header["content-type"]
	if contentType == "" {
		contentType = "application/json"
	}
	deliveryMode := amqp.Transient
	if r.persistent {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(ctx,
		r.exchange,
		subject,
		false,
		false,
		amqp.Publishing{
			Headers:      stringMapToTable(msg.Header),
			ContentType:  contentType,
			Body:         msg.Body,
			DeliveryMode: deliveryMode,
			MessageId:    msg.Header["message-id"],
		})
}

func stringMapToTable(m map[string]string) amqp.Table {
	t := amqp.Table{}
	for k, v := range m {
		t[k] = v
	}
	return t
}

func (r *rmqSink) String() string {
	return "rabbitmq"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	s := &rmqSink{
		opts:         *options,
		exchange:     DefaultExchange,
		exchangeType: DefaultExchangeType,
		newConn: func(addr string, config amqp.Config) (rabbitConn, error) {
			c, err := amqp.DialConfig(addr, config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{c}, nil
		},
	}
	if v, ok := pricefeed.GetTrackedValue(options.Context, exchangeKey{}).(string); ok {
		s.exchange = v
	}
	if v, ok := pricefeed.GetTrackedValue(options.Context, exchangeTypeKey{}).(string); ok {
		s.exchangeType = v
	}
	if v, ok := pricefeed.GetTrackedValue(options.Context, persistentKey{}).(bool); ok {
		s.persistent = v
	}
	return s
}

type exchangeKey struct{}
type exchangeTypeKey struct{}
type persistentKey struct{}

func WithExchange(name string) relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, exchangeKey{}, name, "rabbitmq.WithExchange")
	}
}

// WithExchangeType sets the declared exchange kind, topic by default.
func WithExchangeType(kind string) relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, exchangeTypeKey{}, kind, "rabbitmq.WithExchangeType")
	}
}

func WithPersistent(b bool) relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, persistentKey{}, b, "rabbitmq.WithPersistent")
	}
}
