package pricefeed

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

type subscription struct {
	id      string
	topic   string
	handler Handler
	opts    SubscribeOptions
	client  *client
	active  atomic.Bool
}

func (s *subscription) ID() string                { return s.id }
func (s *subscription) Topic() string             { return s.topic }
func (s *subscription) Options() SubscribeOptions { return s.opts }

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.topic, s)
}

// deliver runs on the session read goroutine. Once the subscription has been
// released no further handler calls start.
func (s *subscription) deliver(msg *Message) {
	if !s.active.Load() {
		return
	}
	s.client.dispatch(s, msg)
}

// registry maps topic to its single live subscription. It is guarded by the
// client mutex.
type registry struct {
	subs map[string]*subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*subscription)}
}

func (r *registry) get(topic string) (*subscription, bool) {
	s, ok := r.subs[topic]
	return s, ok
}

func (r *registry) put(s *subscription) {
	s.active.Store(true)
	r.subs[s.topic] = s
}

// remove drops the entry for topic. When want is non-nil the entry is only
// removed if it is that subscription.
func (r *registry) remove(topic string, want *subscription) (*subscription, bool) {
	s, ok := r.subs[topic]
	if !ok || (want != nil && s != want) {
		return nil, false
	}
	delete(r.subs, topic)
	s.active.Store(false)
	return s, true
}

// drain releases every subscription and empties the registry.
func (r *registry) drain() []*subscription {
	out := make([]*subscription, 0, len(r.subs))
	for topic, s := range r.subs {
		s.active.Store(false)
		out = append(out, s)
		delete(r.subs, topic)
	}
	return out
}

func (r *registry) len() int {
	return len(r.subs)
}

func newSubscription(c *client, topic string, h Handler, opts SubscribeOptions) *subscription {
	return &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: h,
		opts:    opts,
		client:  c,
	}
}

type event struct {
	topic   string
	message *Message
	payload any
	err     error
	codec   Marshaler
}

func newEvent(topic string, msg *Message, codec Marshaler) *event {
	payload, err := decodePayload(codec, msg.Body)
	return &event{
		topic:   topic,
		message: msg,
		payload: payload,
		err:     err,
		codec:   codec,
	}
}

func (e *event) Topic() string     { return e.topic }
func (e *event) Message() *Message { return e.message }
func (e *event) Payload() any      { return e.payload }
func (e *event) Error() error      { return e.err }

func (e *event) Decode(v any) error {
	if e.codec == nil {
		return JsonMarshaler{}.Unmarshal(e.message.Body, v)
	}
	return e.codec.Unmarshal(e.message.Body, v)
}

func handlerContext(opts SubscribeOptions) context.Context {
	if opts.Context != nil {
		return opts.Context
	}
	return context.Background()
}
