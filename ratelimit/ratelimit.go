package ratelimit

import (
	"math/rand/v2"
	"time"
)

const (
	// DirectDownloadConcurrency bounds parallel ranged part fetches of a
	// single direct-URL download.
	DirectDownloadConcurrency = 4

	// ProgressMinInterval and ProgressMinDeltaPercent throttle forwarded
	// progress updates: an update passes when either enough time elapsed or
	// the transferred percentage moved far enough. State transitions are
	// never throttled.
	ProgressMinInterval     = 2 * time.Second
	ProgressMinDeltaPercent = 5
)

// StatusEditSleep spaces consecutive status message edits to stay clear of
// Telegram flood limits. Jittered so concurrent owners do not align.
func StatusEditSleep() time.Duration {
	const (
		from = 700
		to   = 1500
	)
	millis := rand.IntN(to-from) + from //nolint:gosec
	return time.Duration(millis) * time.Millisecond
}
