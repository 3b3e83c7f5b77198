package source

import (
	"context"
	"fmt"

	"github.com/iyear/tdl/core/dcpool"
)

// Fetcher downloads a resolved source into a local scratch file.
type Fetcher struct {
	pool dcpool.Pool
}

func NewFetcher(pool dcpool.Pool) *Fetcher {
	return &Fetcher{pool: pool}
}

// Fetch writes the source contents to destPath and returns the number of
// bytes written. onProgress receives monotonically non-decreasing transferred
// counts; total is zero when the source does not declare a length.
func (f *Fetcher) Fetch(ctx context.Context, desc *Descriptor, destPath string, onProgress func(transferred, total int64)) (int64, error) {
	switch desc.Kind {
	case KindDirect, KindDropbox:
		return downloadDirect(ctx, desc.URL, destPath, onProgress)
	case KindTelegramFile:
		return downloadTelegram(ctx, f.pool, desc.Telegram, destPath, onProgress)
	default:
		return 0, fmt.Errorf("unsupported source kind %q", desc.Kind)
	}
}
