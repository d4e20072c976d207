package middleware

import (
	"context"
	"fmt"

	"github.com/qvcloud/pricefeed"
)

// Recover turns a panicking handler into a handler error so one bad update
// cannot take down the session read loop.
func Recover(h pricefeed.Handler) pricefeed.Handler {
	return func(ctx context.Context, event pricefeed.Event) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("middleware: handler panic on %s: %v", event.Topic(), r)
			}
		}()
		return h(ctx, event)
	}
}

// Chain applies middlewares so the first one is outermost.
func Chain(h pricefeed.Handler, mws ...func(pricefeed.Handler) pricefeed.Handler) pricefeed.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
