package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/qvcloud/pricefeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ lines []string }

func (l *testLogger) Log(v ...any)                 {}
func (l *testLogger) Logf(format string, v ...any) { l.lines = append(l.lines, format) }

// mockWSServer upgrades every request and hands the connection to handler.
func mockWSServer(t *testing.T, handler func(r *http.Request, conn *gws.Conn)) *httptest.Server {
	upgrader := gws.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"v12.stomp"},
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
}

func TestWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080/ws":  "ws://localhost:8080/ws",
		"https://api.example.com/x": "wss://api.example.com/x",
		"ws://h/p":                  "ws://h/p",
		"wss://h/p":                 "wss://h/p",
	}
	for in, want := range tests {
		got, err := WebSocketURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := WebSocketURL("ftp://h")
	assert.Error(t, err)
}

func TestSockJSURL(t *testing.T) {
	got, err := SockJSURL("ws://localhost:8080/ws/")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^ws://localhost:8080/ws/\d{3}/[0-9a-f]{32}/websocket$`), got)
}

func TestDecodeSockJS(t *testing.T) {
	msgs, err := decodeSockJS([]byte("o"))
	assert.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = decodeSockJS([]byte("h"))
	assert.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = decodeSockJS([]byte(`a["CONNECTED\n\n\u0000","\n"]`))
	assert.NoError(t, err)
	assert.Equal(t, []string{"CONNECTED\n\n\x00", "\n"}, msgs)

	msgs, err = decodeSockJS([]byte(`m"hello"`))
	assert.NoError(t, err)
	assert.Equal(t, []string{"hello"}, msgs)

	_, err = decodeSockJS([]byte(`c[3000,"Go away!"]`))
	var cerr *CloseError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3000, cerr.Code)
	assert.Equal(t, "Go away!", cerr.Reason)

	_, err = decodeSockJS([]byte("x"))
	assert.Error(t, err)
	_, err = decodeSockJS([]byte("a[1"))
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	server := mockWSServer(t, func(r *http.Request, conn *gws.Conn) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, append([]byte("echo:"), data...))
		}
	})
	defer server.Close()

	logger := &testLogger{}
	d := NewDialer(*pricefeed.NewOptions(pricefeed.WithLogger(logger)))
	assert.Equal(t, "websocket", d.String())

	header := http.Header{}
	header.Set("Authorization", "Bearer token")
	c, err := d.Dial(context.Background(), server.URL, header)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage([]byte("ping")))
	got, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(got))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Error(t, c.WriteMessage([]byte("late")))
}

func TestDial_Refused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	d := NewDialer(*pricefeed.NewOptions())
	_, err := d.Dial(context.Background(), server.URL, nil)
	assert.ErrorContains(t, err, "status 403")
}

func TestDial_SockJS(t *testing.T) {
	received := make(chan string, 1)
	server := mockWSServer(t, func(r *http.Request, conn *gws.Conn) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/websocket"))
		conn.WriteMessage(gws.TextMessage, []byte("o"))
		conn.WriteMessage(gws.TextMessage, []byte("h"))
		conn.WriteMessage(gws.TextMessage, []byte(`a["first","second"]`))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		conn.WriteMessage(gws.TextMessage, []byte(`c[3000,"Go away!"]`))
		conn.ReadMessage()
	})
	defer server.Close()

	opts := pricefeed.NewOptions(WithSockJS(), WithWriteTimeout(time.Second), WithBufferSize(4096))
	d := NewDialer(*opts)
	assert.Equal(t, "sockjs", d.String())

	c, err := d.Dial(context.Background(), server.URL+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, c.WriteMessage([]byte("SEND\n\n\x00")))
	select {
	case msg := <-received:
		assert.Equal(t, `["SEND\n\n\u0000"]`, msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client frame")
	}

	_, err = c.ReadMessage()
	var cerr *CloseError
	assert.ErrorAs(t, err, &cerr)

	// Every option was consumed by the dialer.
	logger := &testLogger{}
	pricefeed.WarnUnconsumed(opts.Context, logger)
	assert.Empty(t, logger.lines)
}
