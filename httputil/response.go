package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/errutil"
)

func readResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(resp.Body)
	if nil != err {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to read response body: %v", err)).Append(flawP)
		}
	}
	return respBody, nil
}

func ReadResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	respBody, err := readResponseBody(ctx, resp)
	if nil != err {
		if errors.Is(err, io.EOF) {
			return nil, flaw.From(errors.New("unexpected empty response body"))
		}
		return nil, err
	}
	return respBody, nil
}

func ReadOptionalResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	respBody, err := readResponseBody(ctx, resp)
	if nil != err && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return respBody, nil
}

// IsExpiredCredentialsResponse reports whether a 401 response body from the
// Drive API indicates expired or invalid credentials, as opposed to a
// malformed request carrying the same status code.
func IsExpiredCredentialsResponse(b []byte) bool {
	if !gjson.ValidBytes(b) {
		return false
	}
	switch gjson.GetBytes(b, "error.status").String() {
	case "UNAUTHENTICATED":
		return true
	}
	return gjson.GetBytes(b, "error.code").Int() == http.StatusUnauthorized
}

// IsQuotaExceededResponse reports whether a 403 response body from the Drive
// API carries one of the rate/storage limit reasons. Other 403 reasons
// (e.g. insufficient file permissions) are not quota failures.
func IsQuotaExceededResponse(b []byte) bool {
	if !gjson.ValidBytes(b) {
		return false
	}
	for _, reason := range gjson.GetBytes(b, "error.errors.#.reason").Array() {
		switch reason.String() {
		case "userRateLimitExceeded", "rateLimitExceeded", "storageQuotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}
