// Package memory provides an in-process broker for tests and examples. Every
// session dialed from a Broker shares its topics, so a message published on
// the broker reaches every live subscription of every client.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/qvcloud/pricefeed"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("memory: session closed")

// Sent is a message a client sent through the broker.
type Sent struct {
	Destination string
	Message     *pricefeed.Message
}

type Broker struct {
	sync.RWMutex
	sessions map[*session]struct{}
	dials    int
	failDial func(attempt int) error
	sent     []Sent
}

// NewBroker returns an empty broker that accepts every dial.
func NewBroker() *Broker {
	return &Broker{sessions: make(map[*session]struct{})}
}

func (b *Broker) String() string {
	return "memory"
}

// Dial opens a session. When a dial hook is installed with FailDials, its
// error is returned instead.
func (b *Broker) Dial(ctx context.Context, opts pricefeed.Options) (pricefeed.Session, error) {
	b.Lock()
	b.dials++
	n := b.dials
	fail := b.failDial
	b.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}

	s := &session{
		b:    b,
		subs: make(map[string]topicSub),
		done: make(chan struct{}),
	}
	b.Lock()
	b.sessions[s] = struct{}{}
	b.Unlock()
	return s, nil
}

// FailDials installs f to decide the outcome of each dial. attempt counts
// every dial since the broker was created, starting at 1. A nil f accepts
// everything.
func (b *Broker) FailDials(f func(attempt int) error) {
	b.Lock()
	b.failDial = f
	b.Unlock()
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.RLock()
	defer b.RUnlock()
	return b.dials
}

// Publish delivers body to every subscription on topic and returns how many
// received it. Delivery happens on the calling goroutine.
func (b *Broker) Publish(topic string, body []byte) int {
	return b.deliver(topic, &pricefeed.Message{
		Header: map[string]string{"destination": topic},
		Body:   body,
	})
}

func (b *Broker) deliver(topic string, msg *pricefeed.Message) int {
	var targets []func(*pricefeed.Message)
	b.RLock()
	for s := range b.sessions {
		targets = append(targets, s.handlers(topic)...)
	}
	b.RUnlock()

	for _, deliver := range targets {
		deliver(msg)
	}
	return len(targets)
}

// Subscriptions returns the number of live subscriptions on topic.
func (b *Broker) Subscriptions(topic string) int {
	b.RLock()
	defer b.RUnlock()
	n := 0
	for s := range b.sessions {
		n += len(s.handlers(topic))
	}
	return n
}

// Sessions returns the number of open sessions.
func (b *Broker) Sessions() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.sessions)
}

// Sent returns every message sent through the broker so far.
func (b *Broker) Sent() []Sent {
	b.RLock()
	defer b.RUnlock()
	out := make([]Sent, len(b.sent))
	copy(out, b.sent)
	return out
}

// Drop ends every open session with err, as a lost connection would.
func (b *Broker) Drop(err error) {
	b.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.Unlock()

	for _, s := range sessions {
		s.end(err)
	}
}

func (b *Broker) remove(s *session) {
	b.Lock()
	delete(b.sessions, s)
	b.Unlock()
}

type topicSub struct {
	topic   string
	deliver func(*pricefeed.Message)
}

type session struct {
	b *Broker

	mu     sync.Mutex
	subs   map[string]topicSub
	closed bool
	err    error
	done   chan struct{}
}

func (s *session) handlers(topic string) []func(*pricefeed.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []func(*pricefeed.Message)
	for _, sub := range s.subs {
		if sub.topic == topic {
			out = append(out, sub.deliver)
		}
	}
	return out
}

func (s *session) Subscribe(id, topic string, header map[string]string, deliver func(*pricefeed.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.subs[id] = topicSub{topic: topic, deliver: deliver}
	return nil
}

func (s *session) Unsubscribe(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	delete(s.subs, id)
	return nil
}

// Send records msg and loops it back to subscribers of destination.
func (s *session) Send(ctx context.Context, destination string, msg *pricefeed.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	s.b.Lock()
	s.b.sent = append(s.b.sent, Sent{Destination: destination, Message: msg})
	s.b.Unlock()

	s.b.deliver(destination, msg)
	return nil
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.end(nil)
	return nil
}

func (s *session) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.subs = make(map[string]topicSub)
	s.mu.Unlock()

	s.b.remove(s)
	close(s.done)
}
