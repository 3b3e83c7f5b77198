package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/cache"
	"github.com/pouyad/tgdup/config"
	"github.com/pouyad/tgdup/drive/auth"
	"github.com/pouyad/tgdup/errutil"
	"github.com/pouyad/tgdup/httputil"
	"github.com/pouyad/tgdup/must"
)

const folderMimeType = "application/vnd.google-apps.folder"

// resolveFolder returns the destination folder ID and whether it is the
// preconfigured one. A configured ID is validated to reference a folder; a
// configured name is found or created at the Drive root. Either result is
// cached so repeated uploads skip the lookup.
func (d *Drive) resolveFolder(ctx context.Context, a *auth.Auth) (folderID string, preconfigured bool, err error) {
	if d.folderID != "" {
		item, err := d.folderIDs.Fetch("id:"+d.folderID, cache.DefaultFolderIDTTL, func() (string, error) {
			if err := validateFolder(ctx, a, d.folderID); nil != err {
				return "", err
			}
			return d.folderID, nil
		})
		if nil != err {
			return "", false, err
		}
		return item.Value(), true, nil
	}

	item, err := d.folderIDs.Fetch("name:"+d.folderName, cache.DefaultFolderIDTTL, func() (string, error) {
		id, err := findFolder(ctx, a, d.folderName)
		if nil != err {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		return createFolder(ctx, a, d.folderName)
	})
	if nil != err {
		return "", false, err
	}
	return item.Value(), false, nil
}

func validateFolder(ctx context.Context, a *auth.Auth, folderID string) (err error) {
	accessToken, err := a.AccessToken(ctx)
	if nil != err {
		return err
	}

	reqURL, err := url.JoinPath(filesAPIURL, folderID)
	if nil != err {
		flawP := flaw.P{"folder_id": folderID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to build folder meta URL: %v", err)).Append(flawP)
	}
	flawP := flaw.P{"url": reqURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL+"?fields=id,mimeType,trashed", nil)
	if nil != err {
		if errutil.IsContext(ctx) {
			return ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to create folder meta request: %v", err)).Append(flawP)
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)

	client := http.Client{Timeout: config.FolderLookupRequestTimeout} //nolint:exhaustruct
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
			closeErr = flaw.From(fmt.Errorf("failed to close folder meta response body: %v", closeErr)).Append(flawP)
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
		return err
	}

	if gjson.GetBytes(respBytes, "mimeType").Str != folderMimeType {
		flawP["response_body"] = string(respBytes)
		return flaw.From(errors.New("configured destination is not a folder")).Append(flawP)
	}
	if gjson.GetBytes(respBytes, "trashed").Bool() {
		flawP["response_body"] = string(respBytes)
		return flaw.From(errors.New("configured destination folder is trashed")).Append(flawP)
	}
	return nil
}

// queryEscape backslash-escapes a value for embedding inside a single-quoted
// Drive search query literal.
func queryEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// findFolder looks the named folder up at the Drive root, returning an empty
// ID when absent.
func findFolder(ctx context.Context, a *auth.Auth, name string) (folderID string, err error) {
	accessToken, err := a.AccessToken(ctx)
	if nil != err {
		return "", err
	}

	reqParams := make(url.Values, 2)
	reqParams.Add("q", fmt.Sprintf("name = '%s' and mimeType = '%s' and 'root' in parents and trashed = false", queryEscape(name), folderMimeType))
	reqParams.Add("fields", "files(id)")
	reqURL := filesAPIURL + "?" + reqParams.Encode()
	flawP := flaw.P{"url": reqURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to create folder search request: %v", err)).Append(flawP)
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)

	client := http.Client{Timeout: config.FolderLookupRequestTimeout} //nolint:exhaustruct
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
			closeErr = flaw.From(fmt.Errorf("failed to close folder search response body: %v", closeErr)).Append(flawP)
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

	return gjson.GetBytes(respBytes, "files.0.id").Str, nil
}

func createFolder(ctx context.Context, a *auth.Auth, name string) (folderID string, err error) {
	accessToken, err := a.AccessToken(ctx)
	if nil != err {
		return "", err
	}

	reqBody, err := json.Marshal(map[string]any{"name": name, "mimeType": folderMimeType})
	if nil != err {
		flawP := flaw.P{"folder_name": name, "err_debug_tree": errutil.Tree(err).FlawP()}
		return "", flaw.From(fmt.Errorf("failed to encode folder create request body: %v", err)).Append(flawP)
	}
	flawP := flaw.P{"folder_name": name}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, filesAPIURL+"?fields=id", bytes.NewReader(reqBody))
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to create folder create request: %v", err)).Append(flawP)
	}
	req.Header.Add("Authorization", "Bearer "+accessToken)
	req.Header.Add("Content-Type", "application/json; charset=UTF-8")

	client := http.Client{Timeout: config.FolderCreateRequestTimeout} //nolint:exhaustruct
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
			closeErr = flaw.From(fmt.Errorf("failed to close folder create response body: %v", closeErr)).Append(flawP)
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

	id := gjson.GetBytes(respBytes, "id").Str
	if id == "" {
		flawP["response_body"] = string(respBytes)
		return "", flaw.From(errors.New("folder create response carries no id")).Append(flawP)
	}
	return id, nil
}

// checkAPIResponse maps the shared Drive API failure statuses and returns
// the body on success.
func checkAPIResponse(ctx context.Context, resp *http.Response, flawP flaw.P) ([]byte, error) {
	switch code := resp.StatusCode; code {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return nil, err
		}
		if len(respBytes) == 0 || httputil.IsExpiredCredentialsResponse(respBytes) {
			return nil, auth.ErrUnauthorized
		}
		flawP["response_body"] = string(respBytes)
		return nil, flaw.From(errors.New("received 401 response")).Append(flawP)
	case http.StatusTooManyRequests:
		return nil, ErrQuotaExceeded
	case http.StatusForbidden:
		respBytes, err := httputil.ReadResponseBody(ctx, resp)
		if nil != err {
			return nil, err
		}
		if httputil.IsQuotaExceededResponse(respBytes) {
			return nil, ErrQuotaExceeded
		}
		flawP["response_body"] = string(respBytes)
		return nil, flaw.From(errors.New("unexpected 403 response")).Append(flawP)
	default:
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return nil, err
		}
		flawP["response_body"] = string(respBytes)
		return nil, flaw.From(fmt.Errorf("unexpected status code: %d", code)).Append(flawP)
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return nil, err
	}
	return respBytes, nil
}
