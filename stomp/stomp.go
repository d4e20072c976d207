// Package stomp runs broker sessions as STOMP 1.2 over a message transport,
// by default a WebSocket.
package stomp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/transport"
	"github.com/qvcloud/pricefeed/transport/websocket"
)

const (
	acceptVersion         = "1.2,1.1,1.0"
	defaultReceiptTimeout = 2 * time.Second
)

var (
	// ErrHeartbeatTimeout ends a session when the broker stops sending.
	ErrHeartbeatTimeout = errors.New("stomp: heart-beat timeout")
	// ErrSessionClosed is returned by operations on an ended session.
	ErrSessionClosed = errors.New("stomp: session closed")
)

// ServerError is an ERROR frame received on an established session. It ends
// the session.
type ServerError struct {
	Message string
	Body    string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stomp: server error: %s", e.Message)
	}
	return fmt.Sprintf("stomp: server error: %s: %s", e.Message, e.Body)
}

type Dialer struct{}

// NewDialer returns a pricefeed.Dialer speaking STOMP.
func NewDialer() *Dialer {
	return &Dialer{}
}

// NewClient returns a pricefeed.Client over STOMP.
func NewClient(opts ...pricefeed.Option) pricefeed.Client {
	return pricefeed.NewClient(NewDialer(), opts...)
}

func (d *Dialer) String() string {
	return "stomp"
}

type dialConfig struct {
	login, passcode string
	host            string
	header          map[string]string
	httpHeader      http.Header
	transport       transport.Dialer
	receiptTimeout  time.Duration
}

func readConfig(opts pricefeed.Options) dialConfig {
	cfg := dialConfig{receiptTimeout: defaultReceiptTimeout}
	ctx := opts.Context
	if ctx == nil {
		return cfg
	}
	if v, ok := pricefeed.GetTrackedValue(ctx, loginKey{}).([2]string); ok {
		cfg.login, cfg.passcode = v[0], v[1]
	}
	if v, ok := pricefeed.GetTrackedValue(ctx, hostKey{}).(string); ok {
		cfg.host = v
	}
	if v, ok := pricefeed.GetTrackedValue(ctx, connectHeaderKey{}).(map[string]string); ok {
		cfg.header = v
	}
	if v, ok := pricefeed.GetTrackedValue(ctx, httpHeaderKey{}).(http.Header); ok {
		cfg.httpHeader = v
	}
	if v, ok := pricefeed.GetTrackedValue(ctx, transportKey{}).(transport.Dialer); ok {
		cfg.transport = v
	}
	if v, ok := pricefeed.GetTrackedValue(ctx, receiptTimeoutKey{}).(time.Duration); ok {
		cfg.receiptTimeout = v
	}
	return cfg
}

// Dial opens the transport and performs the CONNECT handshake. An ERROR
// frame in reply is returned as *pricefeed.HandshakeError.
func (d *Dialer) Dial(ctx context.Context, opts pricefeed.Options) (pricefeed.Session, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("stomp: broker address is required")
	}
	addr := opts.Addrs[0]
	cfg := readConfig(opts)

	td := cfg.transport
	if td == nil {
		td = websocket.NewDialer(opts)
	}

	conn, err := td.Dial(ctx, addr, cfg.httpHeader)
	if err != nil {
		return nil, err
	}

	host := cfg.host
	if host == "" {
		if u, err := url.Parse(addr); err == nil {
			host = u.Hostname()
		}
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, acceptVersion,
		frame.Host, host,
		frame.HeartBeat, formatHeartBeat(opts.HeartbeatOutgoing, opts.HeartbeatIncoming),
	)
	if cfg.login != "" {
		connect.Header.Set(frame.Login, cfg.login)
		connect.Header.Set(frame.Passcode, cfg.passcode)
	}
	if opts.ClientID != "" {
		connect.Header.Set("client-id", opts.ClientID)
	}
	for k, v := range cfg.header {
		connect.Header.Set(k, v)
	}

	s := newSession(conn, opts.Logger, cfg.receiptTimeout)
	if err := s.write(connect); err != nil {
		conn.Close()
		return nil, err
	}

	connected, err := s.awaitConnected(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sx, sy := parseHeartBeat(connected.Header.Get(frame.HeartBeat))
	send := negotiate(opts.HeartbeatOutgoing, sy)
	recv := negotiate(opts.HeartbeatIncoming, sx)
	if opts.Logger != nil {
		opts.Logger.Logf("stomp: connected, version %s, heart-beat send %s receive %s",
			connected.Header.Get(frame.Version), send, recv)
	}

	s.start(send, recv)
	return s, nil
}

func formatHeartBeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}

// parseHeartBeat reads "sx,sy". A missing or malformed header means no
// heart-beats in either direction.
func parseHeartBeat(v string) (time.Duration, time.Duration) {
	if v == "" {
		return 0, 0
	}
	x, y, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0
	}
	sx, err1 := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	sy, err2 := strconv.ParseInt(strings.TrimSpace(y), 10, 64)
	if err1 != nil || err2 != nil || sx < 0 || sy < 0 {
		return 0, 0
	}
	return time.Duration(sx) * time.Millisecond, time.Duration(sy) * time.Millisecond
}

// negotiate returns the effective interval for one direction: zero when
// either side declines, otherwise the larger of the two.
func negotiate(mine, theirs time.Duration) time.Duration {
	if mine <= 0 || theirs <= 0 {
		return 0
	}
	return max(mine, theirs)
}

func encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("stomp: encode %s: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

type loginKey struct{}
type hostKey struct{}
type connectHeaderKey struct{}
type httpHeaderKey struct{}
type transportKey struct{}
type receiptTimeoutKey struct{}

// WithLogin sets the login and passcode CONNECT headers.
func WithLogin(login, passcode string) pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = pricefeed.WithTrackedValue(o.Context, loginKey{}, [2]string{login, passcode}, "stomp.WithLogin")
	}
}

// WithHost overrides the host CONNECT header, which defaults to the host of
// the broker address.
func WithHost(host string) pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = pricefeed.WithTrackedValue(o.Context, hostKey{}, host, "stomp.WithHost")
	}
}

// WithConnectHeader adds a header to the CONNECT frame, e.g. an
// Authorization bearer token. It may be given several times.
func WithConnectHeader(key, value string) pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		header := map[string]string{}
		if prev, ok := o.Context.Value(connectHeaderKey{}).(map[string]string); ok {
			for k, v := range prev {
				header[k] = v
			}
		}
		header[key] = value
		o.Context = pricefeed.WithTrackedValue(o.Context, connectHeaderKey{}, header, "stomp.WithConnectHeader")
	}
}

// WithHTTPHeader adds a header to the transport upgrade request.
func WithHTTPHeader(key, value string) pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		header := http.Header{}
		if prev, ok := o.Context.Value(httpHeaderKey{}).(http.Header); ok {
			header = prev.Clone()
		}
		header.Add(key, value)
		o.Context = pricefeed.WithTrackedValue(o.Context, httpHeaderKey{}, header, "stomp.WithHTTPHeader")
	}
}

// WithTransport replaces the WebSocket transport.
func WithTransport(d transport.Dialer) pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = pricefeed.WithTrackedValue(o.Context, transportKey{}, d, "stomp.WithTransport")
	}
}

// WithReceiptTimeout bounds how long Close waits for the DISCONNECT receipt.
func WithReceiptTimeout(d time.Duration) pricefeed.Option {
	return func(o *pricefeed.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = pricefeed.WithTrackedValue(o.Context, receiptTimeoutKey{}, d, "stomp.WithReceiptTimeout")
	}
}
