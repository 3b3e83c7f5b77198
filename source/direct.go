package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/xeptore/flaw/v8"
	"golang.org/x/sync/errgroup"

	"github.com/pouyad/tgdup/config"
	"github.com/pouyad/tgdup/errutil"
	"github.com/pouyad/tgdup/mathutil"
	"github.com/pouyad/tgdup/ratelimit"
)

const (
	downloadChunkSize = 1024 * 1024
	// rangedPartThreshold is the minimum known content length for which the
	// ranged multi-part strategy pays off over plain streaming.
	rangedPartThreshold = 8 * downloadChunkSize
)

var (
	ErrTooManyRequests = errors.New("too many requests")
	ErrNetwork         = errors.New("network failure")
)

// downloadDirect streams the URL into destPath. When the server reports a
// content length and accepts byte ranges, the file is fetched in parallel
// ranged parts; otherwise it is streamed sequentially. onProgress is invoked
// at chunk granularity; ctx is honored between chunks.
func downloadDirect(ctx context.Context, rawURL, destPath string, onProgress func(transferred, total int64)) (int64, error) {
	flawP := flaw.P{"url": rawURL, "dest_path": destPath}

	size, acceptsRanges, err := probe(ctx, rawURL)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return 0, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return 0, context.DeadlineExceeded
		case errors.Is(err, ErrTooManyRequests), errors.Is(err, ErrNetwork):
			return 0, err
		case errutil.IsFlaw(err):
			return 0, err
		default:
			panic(errutil.UnknownError(err))
		}
	}
	flawP["content_length"] = size
	flawP["accepts_ranges"] = acceptsRanges

	if onProgress != nil {
		onProgress(0, size)
	}

	if acceptsRanges && size >= rangedPartThreshold {
		return size, downloadParts(ctx, rawURL, destPath, size, onProgress)
	}
	return downloadStream(ctx, rawURL, destPath, size, onProgress)
}

// probe issues a HEAD request to learn the content length and range support.
// Servers that reject HEAD degrade to the streaming strategy.
func probe(ctx context.Context, rawURL string) (size int64, acceptsRanges bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if nil != err {
		flawP := flaw.P{"url": rawURL, "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, false, flaw.From(fmt.Errorf("failed to create probe request: %v", err)).Append(flawP)
	}

	client := http.Client{Timeout: config.DirectDownloadProbeTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return 0, false, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return 0, false, context.DeadlineExceeded
		default:
			return 0, false, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return max(resp.ContentLength, 0), resp.Header.Get("Accept-Ranges") == "bytes", nil
	case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge:
		return 0, false, ErrTooManyRequests
	case http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusForbidden:
		// The GET may still succeed; fall back to streaming.
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("%w: unexpected probe response status %d", ErrNetwork, resp.StatusCode)
	}
}

func downloadStream(ctx context.Context, rawURL, destPath string, total int64, onProgress func(transferred, total int64)) (written int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if nil != err {
		flawP := flaw.P{"url": rawURL, "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to create download request: %v", err)).Append(flawP)
	}

	client := http.Client{} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return 0, ctx.Err()
		default:
			return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge:
		return 0, ErrTooManyRequests
	default:
		return 0, fmt.Errorf("%w: unexpected download response status %d", ErrNetwork, resp.StatusCode)
	}

	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o0600)
	if nil != err {
		flawP := flaw.P{"dest_path": destPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to create scratch file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr && nil == err {
			flawP := flaw.P{"dest_path": destPath, "err_debug_tree": errutil.Tree(closeErr).FlawP()}
			err = flaw.From(fmt.Errorf("failed to close scratch file: %v", closeErr)).Append(flawP)
		}
	}()

	buf := make([]byte, downloadChunkSize)
	for {
		if errutil.IsContext(ctx) {
			return written, ctx.Err()
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); nil != writeErr {
				flawP := flaw.P{"dest_path": destPath, "err_debug_tree": errutil.Tree(writeErr).FlawP()}
				return written, flaw.From(fmt.Errorf("failed to write scratch file chunk: %v", writeErr)).Append(flawP)
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if nil != readErr {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			if errutil.IsContext(ctx) {
				return written, ctx.Err()
			}
			return written, fmt.Errorf("%w: %v", ErrNetwork, readErr)
		}
	}
}

// downloadParts fetches the file in parallel ranged parts. The scratch file
// is preallocated and each part writes at its own offset, so part ordering
// does not matter; the shared counter feeds progress.
func downloadParts(ctx context.Context, rawURL, destPath string, size int64, onProgress func(transferred, total int64)) (err error) {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o0600)
	if nil != err {
		flawP := flaw.P{"dest_path": destPath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create scratch file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr && nil == err {
			flawP := flaw.P{"dest_path": destPath, "err_debug_tree": errutil.Tree(closeErr).FlawP()}
			err = flaw.From(fmt.Errorf("failed to close scratch file: %v", closeErr)).Append(flawP)
		}
	}()

	if err := f.Truncate(size); nil != err {
		flawP := flaw.P{"dest_path": destPath, "size": size, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to preallocate scratch file: %v", err)).Append(flawP)
	}

	var (
		numParts    = mathutil.CeilInts(size, int64(downloadChunkSize))
		transferred atomic.Int64
		wg, wgCtx   = errgroup.WithContext(ctx)
	)
	wg.SetLimit(ratelimit.DirectDownloadConcurrency)
	for part := int64(0); part < numParts; part++ {
		from := part * downloadChunkSize
		to := min(from+downloadChunkSize, size) - 1
		wg.Go(func() error {
			n, err := downloadPart(wgCtx, rawURL, f, from, to)
			if nil != err {
				return err
			}
			if onProgress != nil {
				onProgress(transferred.Add(n), size)
			}
			return nil
		})
	}

	if err := wg.Wait(); nil != err {
		switch {
		case errutil.IsContext(ctx):
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return context.DeadlineExceeded
		case errors.Is(err, ErrTooManyRequests), errors.Is(err, ErrNetwork):
			return err
		case errutil.IsFlaw(err):
			return err
		default:
			panic(errutil.UnknownError(err))
		}
	}
	return nil
}

func downloadPart(ctx context.Context, rawURL string, f *os.File, from, to int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if nil != err {
		flawP := flaw.P{"url": rawURL, "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to create part download request: %v", err)).Append(flawP)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, to))

	client := http.Client{} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		if errutil.IsContext(ctx) {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
	case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge:
		return 0, ErrTooManyRequests
	default:
		return 0, fmt.Errorf("%w: unexpected part download response status %d", ErrNetwork, resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if nil != err {
		if errutil.IsContext(ctx) {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if expected := to - from + 1; int64(len(b)) != expected {
		return 0, fmt.Errorf("%w: part length mismatch: expected %d bytes, got %d", ErrNetwork, expected, len(b))
	}

	if _, err := f.WriteAt(b, from); nil != err {
		flawP := flaw.P{"from": from, "to": to, "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to write part at offset: %v", err)).Append(flawP)
	}
	return int64(len(b)), nil
}
