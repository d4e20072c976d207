package pricefeed

import (
	"context"
	"errors"
	"sync"
)

// Store keeps the last payload body seen per topic so a new Feed can start
// from stale data instead of nothing.
type Store interface {
	Save(ctx context.Context, topic string, body []byte) error
	Load(ctx context.Context, topic string) ([]byte, bool, error)
}

// FeedOptions contains options for a Feed.
type FeedOptions struct {
	Enabled bool
	Store   Store
	// Buffer is the capacity of the Updates channel.
	Buffer int

	Context context.Context
}

type FeedOption func(*FeedOptions)

func NewFeedOptions(opts ...FeedOption) FeedOptions {
	opt := FeedOptions{
		Enabled: true,
		Buffer:  16,
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

// FeedEnabled sets whether the feed subscribes on creation.
func FeedEnabled(b bool) FeedOption {
	return func(o *FeedOptions) {
		o.Enabled = b
	}
}

func FeedStore(s Store) FeedOption {
	return func(o *FeedOptions) {
		o.Store = s
	}
}

func FeedBuffer(n int) FeedOption {
	return func(o *FeedOptions) {
		o.Buffer = n
	}
}

// FeedContext sets the context used for Store calls.
func FeedContext(ctx context.Context) FeedOption {
	return func(o *FeedOptions) {
		o.Context = ctx
	}
}

type feedListener struct {
	t  EventType
	id ListenerID
}

// Feed follows one topic on a Client and keeps the latest payload. It
// resubscribes after every connect, since the client drops all
// subscriptions when the connection goes away, and keeps the latest value
// across disconnects.
type Feed struct {
	client Client
	topic  string
	opts   FeedOptions

	mu        sync.Mutex
	enabled   bool
	closed    bool
	latest    any
	hasLatest bool
	connected bool
	err       error
	sub       Subscriber
	updates   chan any
	listeners []feedListener
}

// NewFeed returns a Feed for topic. When enabled and c is connected it
// subscribes immediately.
func NewFeed(c Client, topic string, opts ...FeedOption) *Feed {
	options := NewFeedOptions(opts...)
	if options.Buffer < 0 {
		options.Buffer = 0
	}

	f := &Feed{
		client:    c,
		topic:     topic,
		opts:      options,
		enabled:   options.Enabled,
		connected: c.Connected(),
		updates:   make(chan any, options.Buffer),
	}
	f.preload()

	f.listeners = []feedListener{
		{EventConnect, c.On(EventConnect, f.onConnect)},
		{EventDisconnect, c.On(EventDisconnect, f.onDisconnect)},
		{EventError, c.On(EventError, f.onError)},
	}

	if options.Enabled && c.Connected() {
		if err := f.Subscribe(); err != nil {
			f.setErr(err)
		}
	}
	return f
}

func (f *Feed) preload() {
	if f.opts.Store == nil {
		return
	}
	body, ok, err := f.opts.Store.Load(f.opts.Context, f.topic)
	if err != nil {
		Warnf(f.client.Options().Logger, "pricefeed: feed %s: load last value: %v", f.topic, err)
		return
	}
	if !ok {
		return
	}
	v, _ := decodePayload(f.client.Options().Codec, body)
	f.latest, f.hasLatest = v, true
}

func (f *Feed) Topic() string {
	return f.topic
}

// Latest returns the most recent payload and whether one has been seen.
func (f *Feed) Latest() (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasLatest
}

func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Err returns the last error reported by the client, or nil.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Updates delivers each payload as it arrives. Payloads that do not fit the
// buffer are dropped; Latest always has the newest one. The channel is
// closed by Close.
func (f *Feed) Updates() <-chan any {
	return f.updates
}

// Subscribe subscribes the feed's topic if it is not already subscribed.
func (f *Feed) Subscribe() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.sub != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	sub, err := f.client.Subscribe(f.topic, f.handle)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.Join(ErrClosed, sub.Unsubscribe())
	}
	f.sub = sub
	f.connected = true
	f.mu.Unlock()
	return nil
}

// Unsubscribe releases the feed's subscription, if any.
func (f *Feed) Unsubscribe() error {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// SetEnabled subscribes on a false to true transition while connected and
// unsubscribes on true to false.
func (f *Feed) SetEnabled(enabled bool) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	was := f.enabled
	f.enabled = enabled
	f.mu.Unlock()

	switch {
	case enabled && !was:
		if f.client.Connected() {
			return f.Subscribe()
		}
	case !enabled && was:
		return f.Unsubscribe()
	}
	return nil
}

// Close unsubscribes, detaches from the client event bus and closes Updates.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	sub := f.sub
	f.sub = nil
	close(f.updates)
	f.mu.Unlock()

	for _, l := range f.listeners {
		f.client.Off(l.t, l.id)
	}
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (f *Feed) handle(ctx context.Context, ev Event) error {
	payload := ev.Payload()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.latest, f.hasLatest = payload, true
	select {
	case f.updates <- payload:
	default:
	}
	f.mu.Unlock()

	if f.opts.Store != nil {
		if err := f.opts.Store.Save(f.opts.Context, f.topic, ev.Message().Body); err != nil {
			Warnf(f.client.Options().Logger, "pricefeed: feed %s: save last value: %v", f.topic, err)
		}
	}
	return nil
}

func (f *Feed) onConnect(LifecycleEvent) {
	f.mu.Lock()
	// Subscriptions never survive a disconnect.
	f.sub = nil
	active := f.enabled && !f.closed
	f.mu.Unlock()

	if active {
		if err := f.Subscribe(); err != nil {
			f.setErr(err)
		}
	}

	// The session may already be gone by the time this listener runs.
	connected := f.client.Connected()
	f.mu.Lock()
	f.connected = connected
	if !connected {
		f.sub = nil
	}
	f.mu.Unlock()
}

func (f *Feed) onDisconnect(LifecycleEvent) {
	f.mu.Lock()
	f.connected = false
	f.sub = nil
	f.mu.Unlock()
}

func (f *Feed) onError(ev LifecycleEvent) {
	f.setErr(ev.Err)
}

func (f *Feed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}
