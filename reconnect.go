package pricefeed

import (
	"sync"
	"time"
)

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

type timeScheduler struct{}

func (timeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// PolicyState is the state of the reconnection policy.
type PolicyState int

const (
	PolicyStable PolicyState = iota
	PolicyRetrying
	PolicyFailed
)

func (s PolicyState) String() string {
	switch s {
	case PolicyStable:
		return "stable"
	case PolicyRetrying:
		return "retrying"
	case PolicyFailed:
		return "failed"
	}
	return "unknown"
}

// reconnectPolicy is the bounded retry state machine:
//
//	stable -> retrying(1) -> ... -> retrying(max) -> failed
//
// Attempt n is scheduled n*base after the failure that caused it. Any
// successful connect returns the policy to stable with a zero counter.
type reconnectPolicy struct {
	mu        sync.Mutex
	max       int
	base      time.Duration
	scheduler Scheduler

	state    PolicyState
	attempts int
	timer    Timer
}

func newReconnectPolicy(max int, base time.Duration, s Scheduler) *reconnectPolicy {
	if s == nil {
		s = timeScheduler{}
	}
	return &reconnectPolicy{max: max, base: base, scheduler: s}
}

func (p *reconnectPolicy) configure(max int, base time.Duration, s Scheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == nil {
		s = timeScheduler{}
	}
	p.max, p.base, p.scheduler = max, base, s
}

// failed records a transport failure. It schedules retry and returns the
// attempt number and its delay, or ok=false once attempts are exhausted.
func (p *reconnectPolicy) failed(retry func()) (attempt int, delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	if p.attempts >= p.max {
		p.state = PolicyFailed
		return p.attempts, 0, false
	}
	p.attempts++
	p.state = PolicyRetrying
	delay = p.base * time.Duration(p.attempts)
	p.timer = p.scheduler.AfterFunc(delay, retry)
	return p.attempts, delay, true
}

// reset returns the policy to stable and cancels any pending attempt.
func (p *reconnectPolicy) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.attempts = 0
	p.state = PolicyStable
}

// halt cancels any pending attempt without touching the counter.
func (p *reconnectPolicy) halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if p.state == PolicyRetrying {
		p.state = PolicyStable
	}
}

func (p *reconnectPolicy) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *reconnectPolicy) snapshot() (PolicyState, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.attempts
}
