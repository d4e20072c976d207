package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ConnState is the connection state of a Client.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

const watchBuffer = 16

type client struct {
	opts    Options
	dialer  Dialer
	bus     *eventBus
	policy  *reconnectPolicy
	metrics *instruments

	sync.RWMutex
	state   ConnState
	session Session
	reg     *registry
	// epoch changes on every Disconnect so late results from an abandoned
	// dial, retry timer or session watcher are ignored.
	epoch      uint64
	dialCancel context.CancelFunc
	waiters    []chan error
}

// NewClient returns a Client that opens its sessions through d. It starts
// disconnected; call Connect.
func NewClient(d Dialer, opts ...Option) Client {
	options := NewOptions(opts...)
	if options.Logger == nil {
		options.Logger = DefaultLogger()
	}

	return &client{
		opts:    *options,
		dialer:  d,
		bus:     newEventBus(),
		reg:     newRegistry(),
		policy:  newReconnectPolicy(options.MaxReconnectAttempts, options.ReconnectDelay, options.Scheduler),
		metrics: newInstruments(options.Meter, options.Logger),
	}
}

// Init applies opts. It is meant to be called before Connect.
func (c *client) Init(opts ...Option) error {
	c.Lock()
	for _, o := range opts {
		o(&c.opts)
	}
	if c.opts.Logger == nil {
		c.opts.Logger = DefaultLogger()
	}
	c.metrics = newInstruments(c.opts.Meter, c.opts.Logger)
	options := c.opts
	c.Unlock()

	c.policy.configure(options.MaxReconnectAttempts, options.ReconnectDelay, options.Scheduler)
	return nil
}

func (c *client) Options() Options {
	c.RLock()
	defer c.RUnlock()
	return c.opts
}

func (c *client) Address() string {
	c.RLock()
	defer c.RUnlock()
	return firstAddr(c.opts.Addrs)
}

func firstAddr(addrs []string) string {
	if len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}

func (c *client) String() string {
	return c.dialer.String()
}

func (c *client) Connected() bool {
	c.RLock()
	defer c.RUnlock()
	return c.state == StateConnected
}

func (c *client) State() ConnState {
	c.RLock()
	defer c.RUnlock()
	return c.state
}

// Connect blocks until a session is established. A transport failure hands
// over to the reconnection policy and Connect keeps waiting for the outcome
// of that retry sequence; a rejected handshake is returned as is.
func (c *client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.Lock()
	if c.state == StateConnected {
		c.Unlock()
		return nil
	}
	wait := make(chan error, 1)
	c.waiters = append(c.waiters, wait)
	if c.state == StateConnecting {
		c.Unlock()
		return c.await(ctx, wait)
	}
	c.state = StateConnecting
	epoch := c.epoch
	c.Unlock()

	// A manual connect starts a fresh retry budget.
	c.policy.reset()
	c.attempt(ctx, epoch, true)
	return c.await(ctx, wait)
}

func (c *client) await(ctx context.Context, wait chan error) error {
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		c.Lock()
		for i, w := range c.waiters {
			if w == wait {
				c.waiters = append(c.waiters[:i:i], c.waiters[i+1:]...)
				break
			}
		}
		c.Unlock()
		select {
		case err := <-wait:
			return err
		default:
		}
		return ctx.Err()
	}
}

func (c *client) takeWaitersLocked() []chan error {
	w := c.waiters
	c.waiters = nil
	return w
}

func resolve(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

// attempt dials once and routes the outcome.
func (c *client) attempt(parent context.Context, epoch uint64, initial bool) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	c.Lock()
	if epoch != c.epoch {
		c.Unlock()
		return
	}
	if c.opts.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, c.opts.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	c.dialCancel = cancel
	opts := c.opts
	c.Unlock()

	sess, err := c.dialer.Dial(ctx, opts)
	cancel()

	c.Lock()
	c.dialCancel = nil
	if epoch != c.epoch {
		c.Unlock()
		if sess != nil {
			sess.Close()
		}
		return
	}

	if err == nil {
		c.session = sess
		c.state = StateConnected
		waiters := c.takeWaitersLocked()
		c.Unlock()

		c.policy.reset()
		opts.Logger.Logf("pricefeed: connected to %s via %s", firstAddr(opts.Addrs), c.dialer.String())
		WarnUnconsumed(opts.Context, opts.Logger)
		resolve(waiters, nil)
		// Listeners see connect before any disconnect of this session.
		c.bus.notify(LifecycleEvent{Type: EventConnect})
		go c.watch(sess, epoch)
		return
	}

	c.state = StateDisconnected
	var herr *HandshakeError
	switch {
	case errors.As(err, &herr):
		waiters := c.takeWaitersLocked()
		c.Unlock()

		c.policy.halt()
		Warnf(opts.Logger, "pricefeed: %v", err)
		resolve(waiters, err)
		c.bus.notify(LifecycleEvent{Type: EventError, Err: err})
	case initial && parent.Err() != nil:
		waiters := c.takeWaitersLocked()
		c.Unlock()
		resolve(waiters, parent.Err())
	default:
		c.Unlock()
		c.transportFailed(epoch, err, initial)
	}
}

// transportFailed feeds a socket level failure into the reconnection policy.
// Only the first failure of an episode is escalated to listeners; retries are
// logged until the terminal error.
func (c *client) transportFailed(epoch uint64, err error, escalate bool) {
	logger := c.Options().Logger
	if escalate {
		c.bus.notify(LifecycleEvent{Type: EventError, Err: err})
	}

	attempt, delay, ok := c.policy.failed(func() { c.retry(epoch) })
	if ok {
		Warnf(logger, "pricefeed: transport failure: %v; reconnect attempt %d in %s", err, attempt, delay)
		return
	}

	terminal := fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, err)
	c.Lock()
	if epoch != c.epoch {
		c.Unlock()
		return
	}
	waiters := c.takeWaitersLocked()
	c.Unlock()

	Warnf(logger, "pricefeed: %v", terminal)
	resolve(waiters, terminal)
	c.bus.notify(LifecycleEvent{Type: EventError, Err: terminal})
}

func (c *client) retry(epoch uint64) {
	c.Lock()
	if epoch != c.epoch || c.state != StateDisconnected {
		c.Unlock()
		return
	}
	c.state = StateConnecting
	logger := c.opts.Logger
	metrics := c.metrics
	c.Unlock()

	_, attempt := c.policy.snapshot()
	metrics.reconnect(attempt)
	logger.Logf("pricefeed: reconnect attempt %d", attempt)
	c.attempt(context.Background(), epoch, false)
}

// watch waits for sess to end. Transport loss tears down every subscription
// and starts the reconnection policy.
func (c *client) watch(sess Session, epoch uint64) {
	<-sess.Done()
	err := sess.Err()

	c.Lock()
	if epoch != c.epoch || c.session != sess {
		c.Unlock()
		return
	}
	c.session = nil
	c.state = StateDisconnected
	subs := c.reg.drain()
	logger := c.opts.Logger
	metrics := c.metrics
	c.Unlock()

	metrics.subscribed(-len(subs))
	if err == nil {
		err = errors.New("pricefeed: session closed by broker")
	}
	Warnf(logger, "pricefeed: connection lost: %v (%d subscriptions released)", err, len(subs))
	c.bus.notify(LifecycleEvent{Type: EventDisconnect, Err: err})
	c.transportFailed(epoch, err, true)
}

// Disconnect releases every subscription and closes the session. Calling it
// while already disconnected does nothing.
func (c *client) Disconnect() error {
	c.Lock()
	c.epoch++
	was := c.state
	sess := c.session
	c.session = nil
	c.state = StateDisconnected
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	waiters := c.takeWaitersLocked()
	subs := c.reg.drain()
	logger := c.opts.Logger
	metrics := c.metrics
	c.Unlock()

	c.policy.reset()
	resolve(waiters, ErrClosed)
	if sess == nil {
		return nil
	}

	metrics.subscribed(-len(subs))
	for _, s := range subs {
		if err := sess.Unsubscribe(s.id); err != nil {
			logger.Logf("pricefeed: unsubscribe %s: %v", s.topic, err)
		}
	}
	err := sess.Close()
	if was == StateConnected {
		c.bus.notify(LifecycleEvent{Type: EventDisconnect})
	}
	if err != nil {
		return fmt.Errorf("pricefeed: close session: %w", err)
	}
	return nil
}

// Subscribe registers h for topic. A second call for a topic that already has
// a subscription returns the existing handle and ignores h. The SUBSCRIBE
// write happens outside the client lock.
func (c *client) Subscribe(topic string, h Handler, opts ...SubscribeOption) (Subscriber, error) {
	options := NewSubscribeOptions(opts...)

	c.Lock()
	if c.state != StateConnected || c.session == nil {
		logger := c.opts.Logger
		c.Unlock()
		Warnf(logger, "pricefeed: subscribe %s: not connected", topic)
		return nil, ErrNotConnected
	}
	if s, ok := c.reg.get(topic); ok {
		c.Unlock()
		return s, nil
	}

	sub := newSubscription(c, topic, h, options)
	c.reg.put(sub)
	sess := c.session
	metrics := c.metrics
	c.Unlock()

	if err := sess.Subscribe(sub.id, topic, options.Header, sub.deliver); err != nil {
		c.Lock()
		c.reg.remove(topic, sub)
		c.Unlock()
		return nil, fmt.Errorf("pricefeed: subscribe %s: %w", topic, err)
	}
	metrics.subscribed(1)
	return sub, nil
}

// Unsubscribe releases the subscription for topic, if any.
func (c *client) Unsubscribe(topic string) error {
	return c.unsubscribe(topic, nil)
}

func (c *client) unsubscribe(topic string, want *subscription) error {
	c.Lock()
	sub, ok := c.reg.remove(topic, want)
	sess := c.session
	metrics := c.metrics
	c.Unlock()

	if !ok {
		return nil
	}
	metrics.subscribed(-1)
	if sess == nil {
		return nil
	}
	if err := sess.Unsubscribe(sub.id); err != nil {
		return fmt.Errorf("pricefeed: unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (c *client) dispatch(s *subscription, msg *Message) {
	c.RLock()
	codec := c.opts.Codec
	logger := c.opts.Logger
	errorHandler := c.opts.ErrorHandler
	metrics := c.metrics
	c.RUnlock()

	metrics.message(s.topic)
	ev := newEvent(s.topic, msg, codec)
	if ev.err != nil {
		Warnf(logger, "pricefeed: %s: undecodable payload delivered raw: %v", s.topic, ev.err)
	}

	ctx := handlerContext(s.opts)
	if err := s.handler(ctx, ev); err != nil {
		Warnf(logger, "pricefeed: %s: handler error: %v", s.topic, err)
		if errorHandler != nil {
			errorHandler(ctx, ev)
		}
	}
}

// Send publishes body to destination. There is no reply correlation.
func (c *client) Send(ctx context.Context, destination string, body any, opts ...SendOption) error {
	options := NewSendOptions(opts...)
	if ctx == nil {
		ctx = options.Context
	}

	c.RLock()
	sess := c.session
	connected := c.state == StateConnected
	codec := c.opts.Codec
	tracer := c.opts.Tracer
	logger := c.opts.Logger
	c.RUnlock()

	if !connected || sess == nil {
		Warnf(logger, "pricefeed: send %s: not connected", destination)
		return ErrNotConnected
	}

	data, err := codec.Marshal(body)
	if err != nil {
		return fmt.Errorf("pricefeed: encode %s: %w", destination, err)
	}

	header := make(map[string]string, len(options.Header)+1)
	for k, v := range options.Header {
		header[k] = v
	}
	ct := options.ContentType
	if ct == "" && codec.String() == "json" {
		switch body.(type) {
		case []byte, string:
		default:
			ct = "application/json"
		}
	}
	if ct != "" {
		header["content-type"] = ct
	}
	msg := &Message{Header: header, Body: data}

	if tracer == nil {
		return sess.Send(ctx, destination, msg)
	}

	ctx, span := tracer.Start(ctx, "pricefeed.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", c.dialer.String()),
			attribute.String("messaging.destination", destination),
			attribute.String("messaging.operation", "publish"),
		),
	)
	defer span.End()

	if err := sess.Send(ctx, destination, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// On registers l for events of type t. Registering the same function twice
// delivers twice.
func (c *client) On(t EventType, l Listener) ListenerID {
	return c.bus.on(t, l)
}

// Off removes the registration identified by id.
func (c *client) Off(t EventType, id ListenerID) {
	c.bus.off(t, id)
}

// Watch streams every lifecycle event until ctx ends. Events that do not fit
// the channel buffer are dropped.
func (c *client) Watch(ctx context.Context) <-chan LifecycleEvent {
	ch := make(chan LifecycleEvent, watchBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	listener := func(ev LifecycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			Warnf(c.Options().Logger, "pricefeed: watcher full, dropping %s event", ev.Type)
		}
	}

	types := []EventType{EventConnect, EventDisconnect, EventError}
	ids := make([]ListenerID, len(types))
	for i, t := range types {
		ids[i] = c.bus.on(t, listener)
	}

	go func() {
		<-ctx.Done()
		for i, t := range types {
			c.bus.off(t, ids[i])
		}
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()

	return ch
}
