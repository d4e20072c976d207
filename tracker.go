package pricefeed

import (
	"context"
	"sync"
)

// Adapter specific options live on Options.Context. They are registered with
// WithTrackedValue so a client can warn about values no adapter consumed,
// which usually means an option was passed to the wrong constructor.

type trackerKey struct{}

type trackedEntry struct {
	key      any
	name     string
	consumed bool
}

type optionTracker struct {
	mu      sync.Mutex
	entries []*trackedEntry
}

func (t *optionTracker) add(key any, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.key == key {
			e.name = name
			e.consumed = false
			return
		}
	}
	t.entries = append(t.entries, &trackedEntry{key: key, name: name})
}

func (t *optionTracker) consume(key any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.key == key {
			e.consumed = true
		}
	}
}

func (t *optionTracker) unconsumed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for _, e := range t.entries {
		if !e.consumed {
			names = append(names, e.name)
		}
	}
	return names
}

// TrackOptions returns ctx with an option tracker attached.
func TrackOptions(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(trackerKey{}).(*optionTracker); ok {
		return ctx
	}
	return context.WithValue(ctx, trackerKey{}, &optionTracker{})
}

// WithTrackedValue stores val under key and records name for WarnUnconsumed.
func WithTrackedValue(ctx context.Context, key, val any, name string) context.Context {
	ctx = TrackOptions(ctx)
	ctx.Value(trackerKey{}).(*optionTracker).add(key, name)
	return context.WithValue(ctx, key, val)
}

// GetTrackedValue returns the value stored under key and marks it consumed.
func GetTrackedValue(ctx context.Context, key any) any {
	if ctx == nil {
		return nil
	}
	v := ctx.Value(key)
	if v == nil {
		return nil
	}
	if t, ok := ctx.Value(trackerKey{}).(*optionTracker); ok {
		t.consume(key)
	}
	return v
}

// WarnUnconsumed logs every tracked option that was never read.
func WarnUnconsumed(ctx context.Context, logger Logger) {
	if ctx == nil || logger == nil {
		return
	}
	t, ok := ctx.Value(trackerKey{}).(*optionTracker)
	if !ok {
		return
	}
	for _, name := range t.unconsumed() {
		logger.Logf("pricefeed: option %s was set but not used by this client", name)
	}
}
