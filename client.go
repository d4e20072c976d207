// Package pricefeed is a client for the real-time price broker behind the
// market dashboard. A Client owns one broker session, keeps at most one
// subscription per topic, reconnects after transport failures and reports
// its lifecycle on an event bus. Feed adapts a single topic into the
// "latest value" shape rendering code consumes.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Subscribe and Send while no session is live.
	ErrNotConnected = errors.New("pricefeed: not connected")
	// ErrReconnectExhausted is carried by the terminal error event once the
	// reconnection policy has used up its attempts.
	ErrReconnectExhausted = errors.New("pricefeed: reconnect attempts exhausted")
	// ErrClosed is returned to callers still waiting on Connect when the
	// client is disconnected, and by a closed Feed.
	ErrClosed = errors.New("pricefeed: closed")
)

// Client is the subscription interface consumed by the dashboard.
type Client interface {
	Init(...Option) error
	Options() Options
	Address() string
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	State() ConnState
	Subscribe(topic string, h Handler, opts ...SubscribeOption) (Subscriber, error)
	Unsubscribe(topic string) error
	Send(ctx context.Context, destination string, body any, opts ...SendOption) error
	On(t EventType, l Listener) ListenerID
	Off(t EventType, id ListenerID)
	Watch(ctx context.Context) <-chan LifecycleEvent
	String() string
}

// Handler is used to process messages delivered on a subscribed topic.
type Handler func(context.Context, Event) error

// Message is a message sent to or received from the broker.
type Message struct {
	Header map[string]string
	Body   []byte
}

// Event is given to a subscription handler for processing.
type Event interface {
	Topic() string
	Message() *Message
	// Payload is the decoded body, or the raw body as a string when it
	// could not be decoded.
	Payload() any
	// Decode unmarshals the body into v with the client codec.
	Decode(v any) error
	// Error reports why Payload fell back to the raw body.
	Error() error
}

// Subscriber is the handle for an active topic subscription.
type Subscriber interface {
	ID() string
	Options() SubscribeOptions
	Topic() string
	Unsubscribe() error
}

// Marshaler is a simple encoding interface.
type Marshaler interface {
	Marshal(interface{}) ([]byte, error)
	Unmarshal([]byte, interface{}) error
	String() string
}

// Dialer opens broker sessions for a Client.
type Dialer interface {
	// Dial establishes the transport and completes the broker handshake.
	// A rejected handshake is reported as *HandshakeError; anything else is
	// treated as a transport failure.
	Dial(ctx context.Context, opts Options) (Session, error)
	String() string
}

// Session is one live broker session.
type Session interface {
	// Subscribe starts delivery of topic frames to deliver under the given
	// subscription id. deliver is called from a single goroutine in
	// transport order.
	Subscribe(id, topic string, header map[string]string, deliver func(*Message)) error
	Unsubscribe(id string) error
	Send(ctx context.Context, destination string, msg *Message) error
	// Done is closed when the session ends, by Close or by transport loss.
	Done() <-chan struct{}
	// Err returns the transport error that ended the session, or nil.
	Err() error
	Close() error
}

// HandshakeError is a broker-level rejection of the session handshake.
type HandshakeError struct {
	Message string
	Body    string
}

func (e *HandshakeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("pricefeed: handshake rejected: %s", e.Message)
	}
	return fmt.Sprintf("pricefeed: handshake rejected: %s: %s", e.Message, e.Body)
}
