package websocket

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/qvcloud/pricefeed/transport"
)

// CloseError is a SockJS close frame sent by the server.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("sockjs: closed by server: %d %s", e.Code, e.Reason)
}

// SockJSURL returns the raw WebSocket leg of a SockJS endpoint:
// {base}/{server}/{session}/websocket.
func SockJSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("sockjs: parse %q: %w", base, err)
	}
	server := fmt.Sprintf("%03d", rand.IntN(1000))
	session := strings.ReplaceAll(uuid.NewString(), "-", "")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + server + "/" + session + "/websocket"
	return u.String(), nil
}

// sockJSConn unwraps SockJS frames: "o" open, "h" heart-beat, "a[...]" a
// batch of messages, "m" a single message and "c[code,reason]" close.
type sockJSConn struct {
	c       transport.Conn
	pending [][]byte
}

func newSockJSConn(c transport.Conn) *sockJSConn {
	return &sockJSConn{c: c}
}

func (s *sockJSConn) ReadMessage() ([]byte, error) {
	for len(s.pending) == 0 {
		raw, err := s.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		msgs, err := decodeSockJS(raw)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			s.pending = append(s.pending, []byte(m))
		}
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, nil
}

func (s *sockJSConn) WriteMessage(data []byte) error {
	buf, err := json.Marshal([]string{string(data)})
	if err != nil {
		return fmt.Errorf("sockjs: encode: %w", err)
	}
	return s.c.WriteMessage(buf)
}

func (s *sockJSConn) Close() error {
	return s.c.Close()
}

func decodeSockJS(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case 'o', 'h':
		return nil, nil
	case 'a':
		var msgs []string
		if err := json.Unmarshal(raw[1:], &msgs); err != nil {
			return nil, fmt.Errorf("sockjs: bad array frame: %w", err)
		}
		return msgs, nil
	case 'm':
		var msg string
		if err := json.Unmarshal(raw[1:], &msg); err != nil {
			return nil, fmt.Errorf("sockjs: bad message frame: %w", err)
		}
		return []string{msg}, nil
	case 'c':
		var payload []any
		if err := json.Unmarshal(raw[1:], &payload); err != nil || len(payload) != 2 {
			return nil, fmt.Errorf("sockjs: bad close frame %q", raw)
		}
		code, _ := payload[0].(float64)
		reason, _ := payload[1].(string)
		return nil, &CloseError{Code: int(code), Reason: reason}
	}
	return nil, fmt.Errorf("sockjs: unknown frame type %q", raw[0])
}
