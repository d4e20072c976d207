package pricefeed_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/brokers/memory"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial tcp: connection refused")

type mockLogger struct {
	mu       sync.Mutex
	warnings []string
}

func (l *mockLogger) Log(v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprint(v...))
}

func (l *mockLogger) Logf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
}

func (l *mockLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.warnings {
		if strings.Contains(w, s) {
			return true
		}
	}
	return false
}

func (l *mockLogger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = nil
}

// fakeScheduler queues timers until fire runs them on the calling goroutine.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []*fakeTimer
	delays  []time.Duration
}

type fakeTimer struct {
	s       *fakeScheduler
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) pricefeed.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, f: f}
	s.pending = append(s.pending, t)
	s.delays = append(s.delays, d)
	return t
}

// fire runs the oldest live timer. It reports false when none is pending.
func (s *fakeScheduler) fire() bool {
	s.mu.Lock()
	for len(s.pending) > 0 {
		t := s.pending[0]
		s.pending = s.pending[1:]
		if t.stopped {
			continue
		}
		t.stopped = true
		s.mu.Unlock()
		t.f()
		return true
	}
	s.mu.Unlock()
	return false
}

func (s *fakeScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// waitLive blocks until a retry timer is pending.
func (s *fakeScheduler) waitLive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return s.live() > 0 }, time.Second, time.Millisecond)
}

type eventLog struct {
	mu     sync.Mutex
	events []pricefeed.LifecycleEvent
}

func (l *eventLog) record(ev pricefeed.LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t pricefeed.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []error
	for _, ev := range l.events {
		if ev.Type == pricefeed.EventError {
			out = append(out, ev.Err)
		}
	}
	return out
}

func watchEvents(c pricefeed.Client) *eventLog {
	l := &eventLog{}
	for _, t := range []pricefeed.EventType{pricefeed.EventConnect, pricefeed.EventDisconnect, pricefeed.EventError} {
		c.On(t, l.record)
	}
	return l
}

type harness struct {
	broker *memory.Broker
	sched  *fakeScheduler
	logger *mockLogger
	client pricefeed.Client
}

func newHarness(opts ...pricefeed.Option) *harness {
	h := &harness{
		broker: memory.NewBroker(),
		sched:  &fakeScheduler{},
		logger: &mockLogger{},
	}
	opts = append([]pricefeed.Option{
		pricefeed.Addrs("memory://prices"),
		pricefeed.WithScheduler(h.sched),
		pricefeed.WithLogger(h.logger),
	}, opts...)
	h.client = pricefeed.NewClient(h.broker, opts...)
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
}

// connectAsync starts Connect on its own goroutine, for dials that will not
// succeed on the first try.
func (h *harness) connectAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.client.Connect(ctx) }()
	return done
}

func recv(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Connect")
		return nil
	}
}
