package stomp

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/transport"
)

var heartBeat = []byte("\n")

// messageReader presents a message transport as the byte stream the frame
// reader expects. A message may hold several frames or a partial one.
type messageReader struct {
	conn transport.Conn
	buf  []byte
}

func (r *messageReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msg, err := r.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		r.buf = msg
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

type session struct {
	conn           transport.Conn
	reader         *frame.Reader
	logger         pricefeed.Logger
	receiptTimeout time.Duration

	wmu sync.Mutex

	mu       sync.Mutex
	subs     map[string]func(*pricefeed.Message)
	receipts map[string]chan struct{}
	closing  bool
	err      error

	done     chan struct{}
	once     sync.Once
	lastRead atomic.Int64
}

func newSession(conn transport.Conn, logger pricefeed.Logger, receiptTimeout time.Duration) *session {
	return &session{
		conn:           conn,
		reader:         frame.NewReader(&messageReader{conn: conn}),
		logger:         logger,
		receiptTimeout: receiptTimeout,
		subs:           make(map[string]func(*pricefeed.Message)),
		receipts:       make(map[string]chan struct{}),
		done:           make(chan struct{}),
	}
}

type readResult struct {
	f   *frame.Frame
	err error
}

// awaitConnected reads the broker's reply to CONNECT.
func (s *session) awaitConnected(ctx context.Context) (*frame.Frame, error) {
	ch := make(chan readResult, 1)
	go func() {
		for {
			f, err := s.reader.Read()
			if err != nil {
				ch <- readResult{err: err}
				return
			}
			if f == nil {
				continue
			}
			ch <- readResult{f: f}
			return
		}
	}()

	select {
	case <-ctx.Done():
		s.conn.Close()
		return nil, fmt.Errorf("stomp: handshake: %w", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("stomp: handshake: %w", res.err)
		}
		switch res.f.Command {
		case frame.CONNECTED:
			return res.f, nil
		case frame.ERROR:
			return nil, &pricefeed.HandshakeError{
				Message: res.f.Header.Get(frame.Message),
				Body:    string(res.f.Body),
			}
		}
		return nil, &pricefeed.HandshakeError{Message: "unexpected " + res.f.Command + " frame"}
	}
}

func (s *session) start(send, recv time.Duration) {
	s.touch()
	go s.readLoop()
	if send > 0 || recv > 0 {
		go s.heartbeat(send, recv)
	}
}

func (s *session) touch() {
	s.lastRead.Store(time.Now().UnixNano())
}

func (s *session) readLoop() {
	for {
		f, err := s.reader.Read()
		if err != nil {
			s.terminate(fmt.Errorf("stomp: read: %w", err))
			return
		}
		s.touch()
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			id := f.Header.Get(frame.Subscription)
			s.mu.Lock()
			deliver := s.subs[id]
			s.mu.Unlock()
			if deliver == nil {
				if s.logger != nil {
					s.logger.Logf("stomp: dropping MESSAGE for unknown subscription %q", id)
				}
				continue
			}
			deliver(toMessage(f))
		case frame.RECEIPT:
			id := f.Header.Get(frame.ReceiptId)
			s.mu.Lock()
			if ch, ok := s.receipts[id]; ok {
				close(ch)
				delete(s.receipts, id)
			}
			s.mu.Unlock()
		case frame.ERROR:
			s.terminate(&ServerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)})
			return
		}
	}
}

func (s *session) heartbeat(send, recv time.Duration) {
	var sendC, recvC <-chan time.Time
	if send > 0 {
		t := time.NewTicker(send)
		defer t.Stop()
		sendC = t.C
	}
	if recv > 0 {
		t := time.NewTicker(recv)
		defer t.Stop()
		recvC = t.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-sendC:
			s.wmu.Lock()
			err := s.conn.WriteMessage(heartBeat)
			s.wmu.Unlock()
			if err != nil {
				s.terminate(fmt.Errorf("stomp: heart-beat: %w", err))
				return
			}
		case <-recvC:
			// Allow one missed beat before giving up.
			if time.Since(time.Unix(0, s.lastRead.Load())) > 2*recv {
				s.terminate(ErrHeartbeatTimeout)
				return
			}
		}
	}
}

func toMessage(f *frame.Frame) *pricefeed.Message {
	header := make(map[string]string, f.Header.Len())
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		// Repeated headers: the first one wins.
		if _, ok := header[k]; !ok {
			header[k] = v
		}
	}
	return &pricefeed.Message{Header: header, Body: f.Body}
}

func (s *session) write(f *frame.Frame) error {
	data, err := encode(f)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if err := s.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("stomp: write %s: %w", f.Command, err)
	}
	return nil
}

func (s *session) Subscribe(id, topic string, header map[string]string, deliver func(*pricefeed.Message)) error {
	s.mu.Lock()
	if s.ended() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.subs[id] = deliver
	s.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE, frame.Ack, "auto")
	for k, v := range header {
		f.Header.Set(k, v)
	}
	// Routing depends on these; callers cannot override them.
	f.Header.Set(frame.Id, id)
	f.Header.Set(frame.Destination, topic)

	if err := s.write(f); err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *session) Unsubscribe(id string) error {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()

	return s.write(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

func (s *session) Send(ctx context.Context, destination string, msg *pricefeed.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f := frame.New(frame.SEND)
	for k, v := range msg.Header {
		f.Header.Set(k, v)
	}
	f.Header.Set(frame.Destination, destination)
	f.Header.Set(frame.ContentLength, strconv.Itoa(len(msg.Body)))
	f.Body = msg.Body

	return s.write(f)
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends DISCONNECT and waits a bounded time for its receipt before
// closing the transport.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closing || s.ended() {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	id := uuid.NewString()
	wait := make(chan struct{})
	s.receipts[id] = wait
	s.mu.Unlock()

	if err := s.write(frame.New(frame.DISCONNECT, frame.Receipt, id)); err == nil {
		t := time.NewTimer(s.receiptTimeout)
		defer t.Stop()
		select {
		case <-wait:
		case <-s.done:
		case <-t.C:
			if s.logger != nil {
				s.logger.Logf("stomp: no receipt for DISCONNECT after %s", s.receiptTimeout)
			}
		}
	}

	s.terminate(nil)
	return nil
}

func (s *session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		if s.closing {
			err = nil
		}
		s.err = err
		s.subs = make(map[string]func(*pricefeed.Message))
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
	})
}
