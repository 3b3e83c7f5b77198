package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/config"
	"github.com/pouyad/tgdup/drive/auth"
	"github.com/pouyad/tgdup/errutil"
	"github.com/pouyad/tgdup/httputil"
	"github.com/pouyad/tgdup/must"
)

// uploadChunkSize must stay a multiple of 256 KiB per the resumable upload
// contract.
const uploadChunkSize = 8 * 1024 * 1024

// upload pushes the file through a resumable session and returns the created
// file ID. Cancellation is honored between chunks; a canceled in-flight
// chunk surfaces through the request context.
func upload(ctx context.Context, a *auth.Auth, folderID, filePath, fileName string, size int64, onProgress func(transferred, total int64)) (string, error) {
	sessionURL, err := initUpload(ctx, a, folderID, fileName, size)
	if nil != err {
		return "", err
	}
	return pushChunks(ctx, sessionURL, filePath, size, onProgress)
}

// initUpload opens a resumable session and returns its URI. The session URI
// embeds the authorization, so individual chunk requests need no token.
func initUpload(ctx context.Context, a *auth.Auth, folderID, fileName string, size int64) (sessionURL string, err error) {
	accessToken, err := a.AccessToken(ctx)
	if nil != err {
		return "", err
	}

	reqBody, err := json.Marshal(map[string]any{"name": fileName, "parents": []string{folderID}})
	if nil != err {
		flawP := flaw.P{"file_name": fileName, "err_debug_tree": errutil.Tree(err).FlawP()}
		return "", flaw.From(fmt.Errorf("failed to encode upload init request body: %v", err)).Append(flawP)
	}
	flawP := flaw.P{"file_name": fileName, "folder_id": folderID, "size": size}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadAPIURL+"?uploadType=resumable", bytes.NewReader(reqBody))
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to create upload init request: %v", err)).Append(flawP)
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)
	req.Header.Add("Content-Type", "application/json; charset=UTF-8")
	req.Header.Add("X-Upload-Content-Length", fmt.Sprintf("%d", size))

	client := http.Client{Timeout: config.UploadInitRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return "", ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return "", context.DeadlineExceeded
		default:
			return "", fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close upload init response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if _, err := checkAPIResponse(ctx, resp, flawP); nil != err {
		return "", err
	}

	sessionURL = resp.Header.Get("Location")
	if sessionURL == "" {
		return "", flaw.From(errors.New("upload init response carries no session location")).Append(flawP)
	}
	return sessionURL, nil
}

// pushChunks streams the file into the session in sequential Content-Range
// chunks. Drive answers 308 until the final chunk, which yields the file
// resource.
func pushChunks(ctx context.Context, sessionURL, filePath string, size int64, onProgress func(transferred, total int64)) (fileID string, err error) {
	f, err := os.OpenFile(filePath, os.O_RDONLY, 0o0600)
	if nil != err {
		flawP := flaw.P{"file_path": filePath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return "", flaw.From(fmt.Errorf("failed to open upload file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr && nil == err {
			flawP := flaw.P{"file_path": filePath, "err_debug_tree": errutil.Tree(closeErr).FlawP()}
			err = flaw.From(fmt.Errorf("failed to close upload file: %v", closeErr)).Append(flawP)
		}
	}()

	buf := make([]byte, uploadChunkSize)
	var pushed int64
	for pushed < size {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}

		n, readErr := io.ReadFull(f, buf)
		if nil != readErr && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
			flawP := flaw.P{"file_path": filePath, "pushed": pushed, "err_debug_tree": errutil.Tree(readErr).FlawP()}
			return "", flaw.From(fmt.Errorf("failed to read upload file chunk: %v", readErr)).Append(flawP)
		}
		if n == 0 {
			flawP := flaw.P{"file_path": filePath, "pushed": pushed, "size": size}
			return "", flaw.From(errors.New("upload file ended before the declared size")).Append(flawP)
		}

		last := pushed+int64(n) >= size
		id, err := pushChunk(ctx, sessionURL, buf[:n], pushed, size, last)
		if nil != err {
			return "", err
		}
		pushed += int64(n)
		if onProgress != nil {
			onProgress(pushed, size)
		}
		if last {
			return id, nil
		}
	}
	return "", flaw.From(errors.New("upload session ended without a final chunk")).Append(flaw.P{"file_path": filePath, "size": size})
}

func pushChunk(ctx context.Context, sessionURL string, chunk []byte, offset, total int64, last bool) (fileID string, err error) {
	flawP := flaw.P{"offset": offset, "total": total, "chunk_len": len(chunk), "last": last}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(chunk))
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to create push chunk request: %v", err)).Append(flawP)
	}
	req.Header.Add("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, total))

	client := http.Client{Timeout: config.UploadChunkRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return "", ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return "", context.DeadlineExceeded
		default:
			return "", fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close push chunk response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	switch code := resp.StatusCode; code {
	case http.StatusPermanentRedirect:
		// Resume incomplete: the session accepted the chunk and expects more.
		if last {
			return "", flaw.From(errors.New("session expects more data after the final chunk")).Append(flawP)
		}
		return "", nil
	case http.StatusOK, http.StatusCreated:
		if !last {
			return "", flaw.From(errors.New("session completed before the final chunk")).Append(flawP)
		}
		respBytes, err := httputil.ReadResponseBody(ctx, resp)
		if nil != err {
			return "", err
		}
		id := gjson.GetBytes(respBytes, "id").Str
		if id == "" {
			flawP["response_body"] = string(respBytes)
			return "", flaw.From(errors.New("upload completion response carries no id")).Append(flawP)
		}
		return id, nil
	case http.StatusUnauthorized:
		return "", auth.ErrUnauthorized
	case http.StatusTooManyRequests:
		return "", ErrQuotaExceeded
	case http.StatusForbidden:
		respBytes, err := httputil.ReadResponseBody(ctx, resp)
		if nil != err {
			return "", err
		}
		if httputil.IsQuotaExceededResponse(respBytes) {
			return "", ErrQuotaExceeded
		}
		flawP["response_body"] = string(respBytes)
		return "", flaw.From(errors.New("unexpected 403 push chunk response")).Append(flawP)
	case http.StatusNotFound:
		// Session URIs expire after inactivity.
		return "", fmt.Errorf("%w: upload session expired", ErrNetwork)
	default:
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return "", err
		}
		flawP["response_body"] = string(respBytes)
		return "", flaw.From(fmt.Errorf("failed to push chunk: unexpected status code: %d", code)).Append(flawP)
	}
}

// shareWithAnyone grants link-visibility read access on the uploaded file.
func shareWithAnyone(ctx context.Context, a *auth.Auth, fileID string) (err error) {
	accessToken, err := a.AccessToken(ctx)
	if nil != err {
		return err
	}

	reqBody, err := json.Marshal(map[string]string{"role": "reader", "type": "anyone"})
	if nil != err {
		flawP := flaw.P{"file_id": fileID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to encode permission request body: %v", err)).Append(flawP)
	}
	flawP := flaw.P{"file_id": fileID}

	reqURL, err := url.JoinPath(filesAPIURL, fileID, "permissions")
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to build permission URL: %v", err)).Append(flawP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(reqBody))
	if nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to create permission request: %v", err)).Append(flawP)
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)
	req.Header.Add("Content-Type", "application/json; charset=UTF-8")

	client := http.Client{Timeout: config.PermissionRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return context.DeadlineExceeded
		default:
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close permission response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if _, err := checkAPIResponse(ctx, resp, flawP); nil != err {
		return err
	}
	return nil
}

// fetchContentLink returns the file's shareable download link.
func fetchContentLink(ctx context.Context, a *auth.Auth, fileID string) (link string, err error) {
	accessToken, err := a.AccessToken(ctx)
	if nil != err {
		return "", err
	}

	reqURL, err := url.JoinPath(filesAPIURL, fileID)
	if nil != err {
		flawP := flaw.P{"file_id": fileID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return "", flaw.From(fmt.Errorf("failed to build file meta URL: %v", err)).Append(flawP)
	}
	flawP := flaw.P{"file_id": fileID}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL+"?fields=webContentLink,webViewLink", nil)
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to create file meta request: %v", err)).Append(flawP)
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)

	client := http.Client{Timeout: config.FileMetaRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return "", ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return "", context.DeadlineExceeded
		default:
			return "", fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close file meta response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	respBytes, err := checkAPIResponse(ctx, resp, flawP)
	if nil != err {
		return "", err
	}

	if link := gjson.GetBytes(respBytes, "webContentLink").Str; link != "" {
		return link, nil
	}
	// Folders and Docs-native files carry only a view link.
	if link := gjson.GetBytes(respBytes, "webViewLink").Str; link != "" {
		return link, nil
	}
	flawP["response_body"] = string(respBytes)
	return "", flaw.From(errors.New("file meta response carries no shareable link")).Append(flawP)
}
