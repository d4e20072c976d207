// Package websocket is the WebSocket transport for broker sessions, with
// optional SockJS framing for endpoints served through a SockJS handler.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/transport"
)

const defaultWriteTimeout = 10 * time.Second

// Subprotocols offered during the upgrade, newest STOMP first.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

type wsDialer struct {
	dialer       *gws.Dialer
	sockjs       bool
	writeTimeout time.Duration
	logger       pricefeed.Logger
}

// NewDialer returns a transport.Dialer configured from opts: TLSConfig,
// ConnectTimeout and the options of this package.
func NewDialer(opts pricefeed.Options) transport.Dialer {
	d := &wsDialer{
		dialer: &gws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.ConnectTimeout,
			TLSClientConfig:  opts.TLSConfig,
			Subprotocols:     Subprotocols,
		},
		writeTimeout: defaultWriteTimeout,
		logger:       opts.Logger,
	}

	if opts.Context != nil {
		if v, ok := pricefeed.GetTrackedValue(opts.Context, sockJSKey{}).(bool); ok {
			d.sockjs = v
		}
		if v, ok := pricefeed.GetTrackedValue(opts.Context, writeTimeoutKey{}).(time.Duration); ok {
			d.writeTimeout = v
		}
		if v, ok := pricefeed.GetTrackedValue(opts.Context, bufferSizeKey{}).(int); ok {
			d.dialer.ReadBufferSize = v
			d.dialer.WriteBufferSize = v
		}
	}
	return d
}

func (d *wsDialer) String() string {
	if d.sockjs {
		return "sockjs"
	}
	return "websocket"
}

func (d *wsDialer) Dial(ctx context.Context, rawURL string, header http.Header) (transport.Conn, error) {
	target, err := WebSocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	if d.sockjs {
		if target, err = SockJSURL(target); err != nil {
			return nil, err
		}
	}

	ws, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket: dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket: dial %s: %w", target, err)
	}
	if d.logger != nil {
		d.logger.Logf("websocket: connected to %s (subprotocol %q)", target, ws.Subprotocol())
	}

	var c transport.Conn = &conn{ws: ws, writeTimeout: d.writeTimeout}
	if d.sockjs {
		c = newSockJSConn(c)
	}
	return c, nil
}

// WebSocketURL maps http and https endpoints to ws and wss.
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("websocket: parse %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("websocket: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

type conn struct {
	ws           *gws.Conn
	writeTimeout time.Duration

	wmu    sync.Mutex
	closed bool
}

func (c *conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *conn) WriteMessage(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(gws.TextMessage, data)
}

func (c *conn) Close() error {
	c.wmu.Lock()
	if c.closed {
		c.wmu.Unlock()
		return nil
	}
	c.closed = true
	c.ws.WriteControl(
		gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.wmu.Unlock()
	return c.ws.Close()
}

type sockJSKey struct{}
type writeTimeoutKey struct{}
type bufferSizeKey struct{}

// WithSockJS dials the SockJS WebSocket leg of the endpoint instead of a
// raw WebSocket.
func WithSockJS() pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = pricefeed.WithTrackedValue(o.Context, sockJSKey{}, true, "websocket.WithSockJS")
	}
}

func WithWriteTimeout(d time.Duration) pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = pricefeed.WithTrackedValue(o.Context, writeTimeoutKey{}, d, "websocket.WithWriteTimeout")
	}
}

// WithBufferSize sets the read and write buffer sizes of the connection.
func WithBufferSize(n int) pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = pricefeed.WithTrackedValue(o.Context, bufferSizeKey{}, n, "websocket.WithBufferSize")
	}
}
