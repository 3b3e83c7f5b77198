package ctxutil_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouyad/tgdup/ctxutil"
)

func TestWithDelayedTimeout(t *testing.T) {
	t.Parallel()

	t.Run("ActiveWhileParentIsActive", func(t *testing.T) {
		t.Parallel()

		parentCtx, parentCancel := context.WithCancel(t.Context())
		defer parentCancel()

		ctx, cancel := ctxutil.WithDelayedTimeout(parentCtx, time.Second)
		defer cancel()

		require.NoError(t, ctx.Err())
	})

	t.Run("OutlivesParentByDelay", func(t *testing.T) {
		t.Parallel()

		parentCtx, parentCancel := context.WithCancel(t.Context())
		defer parentCancel()

		const delay = 500 * time.Millisecond
		ctx, cancel := ctxutil.WithDelayedTimeout(parentCtx, delay)
		defer cancel()

		canceledAt := time.Now()
		parentCancel()

		// The grace window must hold right after parent cancellation.
		assert.NoError(t, ctx.Err())

		select {
		case <-ctx.Done():
			if lived := time.Since(canceledAt); lived < delay {
				assert.Fail(t, "grace window cut short", "context lived only %v of the %v grace window", lived, delay)
			}
		case <-time.After(delay + time.Second):
			assert.Fail(t, "context was never canceled after the grace window elapsed")
		}
	})

	t.Run("ManualCancelWins", func(t *testing.T) {
		t.Parallel()

		parentCtx, parentCancel := context.WithCancel(t.Context())
		defer parentCancel()

		ctx, cancel := ctxutil.WithDelayedTimeout(parentCtx, time.Minute)
		cancel()

		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			assert.Fail(t, "expected manual cancel to take effect immediately")
		}
	})
}
