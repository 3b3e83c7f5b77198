package ctxutil

import (
	"context"
	"time"
)

// WithDelayedTimeout returns a context that outlives parent's cancellation
// by delay. Farewell messages and status edits go out on such a context so
// shutdown does not cut them off mid-send.
func WithDelayedTimeout(parent context.Context, delay time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-parent.Done()
		time.AfterFunc(delay, cancel)
	}()
	return ctx, cancel
}
