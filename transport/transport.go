// Package transport defines the message-oriented connection a broker session
// runs over.
package transport

import (
	"context"
	"errors"
	"net/http"
)

// ErrClosed is returned by a Conn after Close.
var ErrClosed = errors.New("transport: closed")

// Conn carries whole messages. WriteMessage may be called concurrently with
// ReadMessage; concurrent writers are serialized by the implementation.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
	String() string
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

func (f DialerFunc) String() string {
	return "func"
}
