package tgutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/telegram"
	"github.com/iyear/tdl/core/middlewares/recovery"
	"github.com/iyear/tdl/core/middlewares/retry"
)

const (
	rpcRetryAttempts = 4
	// recoveryWindow bounds reconnect attempts; a relay transfer can survive
	// a dropped connection for this long before its RPCs start failing.
	recoveryWindow = 5 * time.Minute
)

// DefaultMiddlewares wraps every Telegram RPC with bounded retries and
// connection recovery, for both the bot client and the transfer DC pool.
func DefaultMiddlewares(ctx context.Context) []telegram.Middleware {
	return []telegram.Middleware{
		retry.New(rpcRetryAttempts),
		recovery.New(ctx, newBackoff(recoveryWindow)),
	}
}

func newBackoff(timeout time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 1.1
	b.MaxElapsedTime = timeout
	b.MaxInterval = 10 * time.Second
	return b
}
