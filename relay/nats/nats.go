// Package nats is a relay.Sink that publishes price updates to NATS subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/relay"
)

var ErrNotConnected = errors.New("nats: not connected")

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

type natsSink struct {
	opts relay.Options
	conn natsConn

	sync.RWMutex
	running bool

	newConn func(addr string, opts ...nats.Option) (natsConn, error)
}

func (n *natsSink) Options() relay.Options { return n.opts }

func (n *natsSink) Address() string {
	if len(n.opts.Addrs) > 0 {
		return n.opts.Addrs[0]
	}
	return ""
}

func (n *natsSink) Connect() error {
	n.Lock()
	defer n.Unlock()

	if n.running {
		return nil
	}

	if len(n.opts.Addrs) == 0 {
		return fmt.Errorf("nats: server addresses are required")
	}

	addr := n.Address()

	opts := []nats.Option{}
	if n.opts.TLSConfig != nil {
		opts = append(opts, nats.Secure(n.opts.TLSConfig))
	}
	if n.opts.ClientID != "" {
		opts = append(opts, nats.Name(n.opts.ClientID))
	}
	if v, ok := pricefeed.GetTrackedValue(n.opts.Context, maxReconnectKey{}).(int); ok {
		opts = append(opts, nats.MaxReconnects(v))
	}
	if v, ok := pricefeed.GetTrackedValue(n.opts.Context, reconnectWaitKey{}).(time.Duration); ok {
		opts = append(opts, nats.ReconnectWait(v))
	}

	conn, err := n.newConn(addr, opts...)
	if err != nil {
		pricefeed.Warnf(n.opts.Logger, "nats: connect to %s: %v", addr, err)
		return err
	}
	n.conn = conn
	n.running = true

	pricefeed.WarnUnconsumed(n.opts.Context, n.opts.Logger)
	return nil
}

func (n *natsSink) Disconnect() error {
	n.Lock()
	defer n.Unlock()

	if !n.running {
		return nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.running = false
	return nil
}

// Publish sends msg on subject, copying its headers. With WithFlush the
// call waits for the server to acknowledge the write.
func (n *natsSink) Publish(ctx context.Context, subject string, msg *pricefeed.Message) error {
	n.RLock()
	conn := n.conn
	n.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	nm := &nats.Msg{
		Subject: subject,
		Header:  make(nats.Header),
		Data:    msg.Body,
	}
	for k, v := range msg.Header {
		nm.Header.Set(k, v)
	}

	if err := conn.PublishMsg(nm); err != nil {
		return err
	}
	if flush, _ := n.opts.Context.Value(flushKey{}).(bool); flush {
		return conn.FlushWithContext(ctx)
	}
	return nil
}

func (n *natsSink) String() string {
	return "nats"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	s := &natsSink{
		opts: *options,
		newConn: func(addr string, opts ...nats.Option) (natsConn, error) {
			return nats.Connect(addr, opts...)
		},
	}
	// Read once so WarnUnconsumed does not flag it; Publish reads it per call.
	pricefeed.GetTrackedValue(s.opts.Context, flushKey{})
	return s
}

type maxReconnectKey struct{}
type reconnectWaitKey struct{}
type flushKey struct{}

func WithMaxReconnect(max int) relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, maxReconnectKey{}, max, "nats.WithMaxReconnect")
	}
}

func WithReconnectWait(wait time.Duration) relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, reconnectWaitKey{}, wait, "nats.WithReconnectWait")
	}
}

// WithFlush makes every publish wait for the server round trip.
func WithFlush() relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, flushKey{}, true, "nats.WithFlush")
	}
}
