package drive

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/cache"
	"github.com/pouyad/tgdup/drive/auth"
	"github.com/pouyad/tgdup/errutil"
)

const (
	filesAPIURL  = "https://www.googleapis.com/drive/v3/files"
	uploadAPIURL = "https://www.googleapis.com/upload/drive/v3/files"
)

var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrNetwork       = errors.New("network failure")
)

// Drive uploads local files into each user's Google Drive.
type Drive struct {
	auth       *auth.Manager
	folderIDs  *cache.FolderIDsCache
	folderID   string
	folderName string
}

// New builds the uploader. folderID, when non-empty, is the preconfigured
// destination and must reference a folder; otherwise folderName is found or
// created at the Drive root.
func New(authMan *auth.Manager, folderIDs *cache.FolderIDsCache, folderID, folderName string) *Drive {
	return &Drive{
		auth:       authMan,
		folderIDs:  folderIDs,
		folderID:   folderID,
		folderName: folderName,
	}
}

// RemoteRef identifies a completed upload.
type RemoteRef struct {
	FileID string
	Name   string
	Link   string
}

// Push uploads the file at filePath into the owner's destination folder and
// returns the shareable reference. It fails with auth.ErrUnauthorized when
// the owner has no usable credentials, and with ErrQuotaExceeded when Drive
// rejects the upload on storage or rate limits. onProgress is invoked per
// pushed chunk; ctx is honored between chunks.
func (d *Drive) Push(ctx context.Context, ownerID int64, filePath, fileName string, onProgress func(transferred, total int64)) (*RemoteRef, error) {
	a, err := d.auth.Load(ownerID)
	if nil != err {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if nil != err {
		flawP := flaw.P{"file_path": filePath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to stat upload file: %v", err)).Append(flawP)
	}
	size := info.Size()
	if size == 0 {
		flawP := flaw.P{"file_path": filePath, "file_name": fileName}
		return nil, flaw.From(errors.New("refusing to upload an empty file")).Append(flawP)
	}

	if onProgress != nil {
		onProgress(0, size)
	}

	folderID, preconfigured, err := d.resolveFolder(ctx, a)
	if nil != err {
		return nil, err
	}

	fileID, err := upload(ctx, a, folderID, filePath, fileName, size, onProgress)
	if nil != err {
		return nil, err
	}

	// Files landing in the preconfigured folder inherit its sharing; only
	// ad-hoc destinations need an explicit anyone link.
	if !preconfigured {
		if err := shareWithAnyone(ctx, a, fileID); nil != err {
			return nil, err
		}
	}

	link, err := fetchContentLink(ctx, a, fileID)
	if nil != err {
		return nil, err
	}

	return &RemoteRef{FileID: fileID, Name: fileName, Link: link}, nil
}

// IsAuthorized reports whether the owner has stored credentials.
func (d *Drive) IsAuthorized(ownerID int64) (bool, error) {
	return d.auth.IsAuthorized(ownerID)
}
