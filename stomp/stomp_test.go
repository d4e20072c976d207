package stomp_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	gws "github.com/gorilla/websocket"
	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/stomp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *mockLogger) Log(v ...any) {}
func (l *mockLogger) Logf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

type countingScheduler struct{ n atomic.Int32 }

func (s *countingScheduler) AfterFunc(time.Duration, func()) pricefeed.Timer {
	s.n.Add(1)
	return nopTimer{}
}

type wsReader struct {
	conn *gws.Conn
	buf  []byte
}

func (r *wsReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		r.buf = msg
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// peer is the broker side of one test connection.
type peer struct {
	frames     chan *frame.Frame
	out        chan *frame.Frame
	heartbeats atomic.Int32
}

// mockBroker serves STOMP over WebSocket. onConnect builds the reply to
// CONNECT; frames after the handshake are forwarded to the peer.
func mockBroker(t *testing.T, onConnect func(*frame.Frame) *frame.Frame) (*httptest.Server, *peer) {
	p := &peer{
		frames: make(chan *frame.Frame, 32),
		out:    make(chan *frame.Frame, 32),
	}
	upgrader := gws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		var wmu sync.Mutex
		write := func(f *frame.Frame) error {
			wmu.Lock()
			defer wmu.Unlock()
			var buf bytes.Buffer
			if err := frame.NewWriter(&buf).Write(f); err != nil {
				return err
			}
			return conn.WriteMessage(gws.TextMessage, buf.Bytes())
		}

		reader := frame.NewReader(&wsReader{conn: conn})
		connect, err := reader.Read()
		if err != nil || connect == nil {
			return
		}
		p.frames <- connect
		reply := onConnect(connect)
		if reply == nil {
			// Never answer; wait for the client to give up.
			conn.ReadMessage()
			return
		}
		if err := write(reply); err != nil || reply.Command == frame.ERROR {
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				f, err := reader.Read()
				if err != nil {
					return
				}
				if f == nil {
					p.heartbeats.Add(1)
					continue
				}
				p.frames <- f
				if f.Command == frame.DISCONNECT {
					write(frame.New(frame.RECEIPT, frame.ReceiptId, f.Header.Get(frame.Receipt)))
				}
			}
		}()

		for {
			select {
			case f := <-p.out:
				if f == nil {
					return
				}
				if err := write(f); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	return server, p
}

func connected(heartBeat string) func(*frame.Frame) *frame.Frame {
	return func(*frame.Frame) *frame.Frame {
		return frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, heartBeat)
	}
}

func (p *peer) next(t *testing.T, command string) *frame.Frame {
	t.Helper()
	for {
		select {
		case f := <-p.frames:
			if f.Command == command {
				return f
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", command)
			return nil
		}
	}
}

func TestClient_EndToEnd(t *testing.T) {
	server, p := mockBroker(t, connected("0,0"))
	defer server.Close()

	logger := &mockLogger{}
	c := stomp.NewClient(
		pricefeed.Addrs(server.URL+"/ws"),
		pricefeed.WithLogger(logger),
		pricefeed.ClientID("dashboard"),
		stomp.WithLogin("guest", "secret"),
		stomp.WithConnectHeader("Authorization", "Bearer token"),
		stomp.WithHost("prices"),
	)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.Equal(t, "stomp", c.String())

	connect := p.next(t, frame.CONNECT)
	assert.Equal(t, "1.2,1.1,1.0", connect.Header.Get(frame.AcceptVersion))
	assert.Equal(t, "prices", connect.Header.Get(frame.Host))
	assert.Equal(t, "4000,4000", connect.Header.Get(frame.HeartBeat))
	assert.Equal(t, "guest", connect.Header.Get(frame.Login))
	assert.Equal(t, "secret", connect.Header.Get(frame.Passcode))
	assert.Equal(t, "Bearer token", connect.Header.Get("Authorization"))
	assert.Equal(t, "dashboard", connect.Header.Get("client-id"))

	topic := pricefeed.AssetClassTopic(pricefeed.Currency)
	payloads := make(chan any, 1)
	sub, err := c.Subscribe(topic, func(_ context.Context, ev pricefeed.Event) error {
		payloads <- ev.Payload()
		return nil
	})
	require.NoError(t, err)

	subscribe := p.next(t, frame.SUBSCRIBE)
	assert.Equal(t, topic, subscribe.Header.Get(frame.Destination))
	assert.Equal(t, sub.ID(), subscribe.Header.Get(frame.Id))
	assert.Equal(t, "auto", subscribe.Header.Get(frame.Ack))

	// A frame for another subscription is dropped.
	stray := frame.New(frame.MESSAGE, frame.Subscription, "other", frame.Destination, topic)
	stray.Body = []byte(`{"currencyCode":"EUR"}`)
	p.out <- stray

	msg := frame.New(frame.MESSAGE,
		frame.Subscription, sub.ID(),
		frame.Destination, topic,
		frame.MessageId, "1",
		frame.ContentType, "application/json",
	)
	msg.Body = []byte(`{"currencyCode":"USD","sellingRate":32.80}`)
	p.out <- msg

	select {
	case v := <-payloads:
		assert.Equal(t, map[string]any{"currencyCode": "USD", "sellingRate": 32.8}, v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for MESSAGE")
	}

	require.NoError(t, c.Send(context.Background(), "/app/prices/refresh", map[string]string{"assetClass": "currency"}))
	send := p.next(t, frame.SEND)
	assert.Equal(t, "/app/prices/refresh", send.Header.Get(frame.Destination))
	assert.Equal(t, "application/json", send.Header.Get(frame.ContentType))
	assert.Equal(t, fmt.Sprint(len(send.Body)), send.Header.Get(frame.ContentLength))
	assert.JSONEq(t, `{"assetClass":"currency"}`, string(send.Body))

	require.NoError(t, c.Unsubscribe(topic))
	unsubscribe := p.next(t, frame.UNSUBSCRIBE)
	assert.Equal(t, sub.ID(), unsubscribe.Header.Get(frame.Id))

	require.NoError(t, c.Disconnect())
	disconnect := p.next(t, frame.DISCONNECT)
	assert.NotEmpty(t, disconnect.Header.Get(frame.Receipt))
	assert.False(t, c.Connected())
}

func TestClient_SubscribeHeadersCannotOverrideRouting(t *testing.T) {
	server, p := mockBroker(t, connected("0,0"))
	defer server.Close()

	c := stomp.NewClient(pricefeed.Addrs(server.URL+"/ws"), pricefeed.WithLogger(&mockLogger{}))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	topic := pricefeed.InstrumentTopic(pricefeed.Stocks, "THYAO")
	got := make(chan string, 1)
	sub, err := c.Subscribe(topic, func(_ context.Context, ev pricefeed.Event) error {
		got <- ev.Topic()
		return nil
	},
		pricefeed.SubscribeHeader(frame.Id, "hijacked"),
		pricefeed.SubscribeHeader(frame.Destination, "/topic/other"),
		pricefeed.SubscribeHeader("selector", "volume > 0"),
		pricefeed.SubscribeHeader(frame.Ack, "client"),
	)
	require.NoError(t, err)

	subscribe := p.next(t, frame.SUBSCRIBE)
	assert.Equal(t, sub.ID(), subscribe.Header.Get(frame.Id))
	assert.Equal(t, topic, subscribe.Header.Get(frame.Destination))
	assert.Equal(t, "volume > 0", subscribe.Header.Get("selector"))
	assert.Equal(t, "client", subscribe.Header.Get(frame.Ack))

	msg := frame.New(frame.MESSAGE, frame.Subscription, sub.ID(), frame.Destination, topic)
	msg.Body = []byte(`{"symbol":"THYAO"}`)
	p.out <- msg

	select {
	case v := <-got:
		assert.Equal(t, topic, v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for MESSAGE")
	}
}

func TestClient_HandshakeRejected(t *testing.T) {
	server, _ := mockBroker(t, func(*frame.Frame) *frame.Frame {
		f := frame.New(frame.ERROR, frame.Message, "Bad CONNECT")
		f.Body = []byte("Access refused for user 'guest'")
		return f
	})
	defer server.Close()

	sched := &countingScheduler{}
	var errs atomic.Int32
	c := stomp.NewClient(
		pricefeed.Addrs(server.URL),
		pricefeed.WithLogger(&mockLogger{}),
		pricefeed.WithScheduler(sched),
	)
	c.On(pricefeed.EventError, func(pricefeed.LifecycleEvent) { errs.Add(1) })

	err := c.Connect(context.Background())
	var herr *pricefeed.HandshakeError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "Bad CONNECT", herr.Message)
	assert.Contains(t, herr.Body, "Access refused")
	assert.Equal(t, int32(0), sched.n.Load())
	assert.Equal(t, int32(1), errs.Load())
}

func TestClient_ServerErrorEndsSession(t *testing.T) {
	server, p := mockBroker(t, connected("0,0"))
	defer server.Close()

	sched := &countingScheduler{}
	errs := make(chan error, 4)
	c := stomp.NewClient(
		pricefeed.Addrs(server.URL),
		pricefeed.WithLogger(&mockLogger{}),
		pricefeed.WithScheduler(sched),
	)
	c.On(pricefeed.EventError, func(ev pricefeed.LifecycleEvent) { errs <- ev.Err })
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	p.out <- frame.New(frame.ERROR, frame.Message, "subscription limit reached")

	select {
	case err := <-errs:
		var serr *stomp.ServerError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "subscription limit reached", serr.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
	require.Eventually(t, func() bool { return sched.n.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, c.Connected())
}

func TestDial_HeartbeatTimeout(t *testing.T) {
	server, _ := mockBroker(t, connected("50,0"))
	defer server.Close()

	opts := pricefeed.NewOptions(
		pricefeed.Addrs(server.URL),
		pricefeed.WithHeartbeat(0, 50*time.Millisecond),
	)
	sess, err := stomp.NewDialer().Dial(context.Background(), *opts)
	require.NoError(t, err)
	defer sess.Close()

	select {
	case <-sess.Done():
		assert.ErrorIs(t, sess.Err(), stomp.ErrHeartbeatTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("session survived a silent broker")
	}
}

func TestDial_SendsHeartbeats(t *testing.T) {
	server, p := mockBroker(t, connected("0,20"))
	defer server.Close()

	opts := pricefeed.NewOptions(
		pricefeed.Addrs(server.URL),
		pricefeed.WithHeartbeat(20*time.Millisecond, 0),
	)
	sess, err := stomp.NewDialer().Dial(context.Background(), *opts)
	require.NoError(t, err)
	defer sess.Close()

	require.Eventually(t, func() bool { return p.heartbeats.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDial_HandshakeTimeout(t *testing.T) {
	server, _ := mockBroker(t, func(*frame.Frame) *frame.Frame { return nil })
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	opts := pricefeed.NewOptions(pricefeed.Addrs(server.URL))
	_, err := stomp.NewDialer().Dial(ctx, *opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var herr *pricefeed.HandshakeError
	assert.False(t, errors.As(err, &herr))
}

func TestDial_NoAddress(t *testing.T) {
	_, err := stomp.NewDialer().Dial(context.Background(), *pricefeed.NewOptions())
	assert.Error(t, err)
}

func TestDial_TransportRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	opts := pricefeed.NewOptions(pricefeed.Addrs(url))
	_, err := stomp.NewDialer().Dial(context.Background(), *opts)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "websocket: dial"))
}

func TestSession_CloseWaitsForReceipt(t *testing.T) {
	server, p := mockBroker(t, connected("0,0"))
	defer server.Close()

	opts := pricefeed.NewOptions(pricefeed.Addrs(server.URL), stomp.WithReceiptTimeout(time.Second))
	sess, err := stomp.NewDialer().Dial(context.Background(), *opts)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sess.Close())
	assert.Less(t, time.Since(start), time.Second)
	p.next(t, frame.DISCONNECT)

	<-sess.Done()
	assert.NoError(t, sess.Err())
	assert.ErrorIs(t, sess.Send(context.Background(), "/app/x", &pricefeed.Message{}), stomp.ErrSessionClosed)
	assert.ErrorIs(t, sess.Subscribe("id", "/topic/x", nil, func(*pricefeed.Message) {}), stomp.ErrSessionClosed)
	assert.NoError(t, sess.Close())
}
