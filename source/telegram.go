package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/iyear/tdl/core/dcpool"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/errutil"
)

const telegramPartSize = 512 * 1024

// downloadTelegram streams the referenced Telegram media into destPath over
// the DC pool. The reported total comes from the message media, as MTProto
// file downloads do not carry a length of their own.
func downloadTelegram(ctx context.Context, pool dcpool.Pool, file *TelegramFile, destPath string, onProgress func(transferred, total int64)) (written int64, err error) {
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

	if onProgress != nil {
		onProgress(0, file.Size)
	}

	w := &countingWriter{w: f, total: file.Size, onProgress: onProgress} //nolint:exhaustruct
	_, err = downloader.
		NewDownloader().
		WithPartSize(telegramPartSize).
		Download(pool.Default(ctx), file.Location).
		Stream(ctx, w)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return w.written, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return w.written, context.DeadlineExceeded
		default:
			return w.written, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	return w.written, nil
}

type countingWriter struct {
	w          *os.File
	written    int64
	total      int64
	onProgress func(transferred, total int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += int64(n)
	if c.onProgress != nil {
		c.onProgress(c.written, c.total)
	}
	return n, err
}

// MediaFile extracts a downloadable file reference from message media.
// Photos pick the largest size variant; documents keep their declared file
// name when one is attached.
func MediaFile(media tg.MessageMediaClass) (*TelegramFile, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil, false
		}
		name := "file"
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				name = fn.FileName
				break
			}
		}
		return &TelegramFile{
			Location: doc.AsInputDocumentFileLocation(),
			Size:     doc.Size,
			Name:     name,
		}, true
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil, false
		}
		var (
			largest     string
			largestSize int
		)
		for _, s := range photo.Sizes {
			if ps, ok := s.(*tg.PhotoSize); ok && ps.Size > largestSize {
				largest = ps.Type
				largestSize = ps.Size
			}
		}
		if largest == "" {
			return nil, false
		}
		loc := &tg.InputPhotoFileLocation{ //nolint:exhaustruct
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largest,
		}
		return &TelegramFile{
			Location: loc,
			Size:     int64(largestSize),
			Name:     fmt.Sprintf("photo_%d.jpg", photo.ID),
		}, true
	default:
		return nil, false
	}
}
