package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/xeptore/flaw/v8"
	"golang.org/x/oauth2"
	"gopkg.in/matryer/try.v1"

	"github.com/pouyad/tgdup/config"
	"github.com/pouyad/tgdup/drive/fs"
	"github.com/pouyad/tgdup/errutil"
)

const (
	authURL   = "https://accounts.google.com/o/oauth2/auth"
	tokenURL  = "https://oauth2.googleapis.com/token" //nolint:gosec
	revokeURL = "https://oauth2.googleapis.com/revoke"
	// Out-of-band redirect: Google shows the grant code to the user, who
	// pastes it back into the chat.
	redirectURL = "urn:ietf:wg:oauth:2.0:oob"
	driveScope  = "https://www.googleapis.com/auth/drive"
	// expirySkew refreshes tokens slightly early so a token does not expire
	// mid-upload between the check and the first chunk.
	expirySkew = 2 * time.Minute
)

var ErrUnauthorized = errors.New("Unauthorized")

// Manager issues and persists per-user Drive credentials under a single
// OAuth client.
type Manager struct {
	cfg      oauth2.Config
	credsDir string
	cipher   *fs.Cipher
}

func NewManager(credsDir, clientID, clientSecret string, cipher *fs.Cipher) *Manager {
	return &Manager{
		cfg: oauth2.Config{ //nolint:exhaustruct
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{driveScope},
			Endpoint: oauth2.Endpoint{ //nolint:exhaustruct
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		credsDir: credsDir,
		cipher:   cipher,
	}
}

// AuthorizationURL is the consent page the user must visit to obtain a grant
// code. Offline access is required to receive a refresh token.
func (m *Manager) AuthorizationURL() string {
	return m.cfg.AuthCodeURL("", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// IsAuthCode reports whether the message text looks like a pasted Google
// grant code rather than a link or chatter. Grant codes are long single
// tokens with a digit/slash prefix.
func IsAuthCode(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 40 || strings.ContainsAny(text, " \t\n") {
		return false
	}
	return strings.HasPrefix(text, "4/")
}

// CompleteAuthorization exchanges a grant code for tokens and persists them
// for the user. The exchange endpoint is flaky enough to warrant a couple of
// retries; an invalid code is not retried.
func (m *Manager) CompleteAuthorization(ctx context.Context, userID int64, code string) error {
	var tok *oauth2.Token
	err := try.Do(func(attempt int) (retry bool, err error) {
		const maxAttempts = 3
		attemptRemained := attempt < maxAttempts
		time.Sleep(time.Duration(attempt-1) * 2 * time.Second)

		exchangeCtx, cancel := context.WithTimeout(ctx, config.TokenExchangeRequestTimeout)
		defer cancel()
		tok, err = m.cfg.Exchange(exchangeCtx, code)
		if nil != err {
			switch {
			case errutil.IsContext(ctx):
				return false, ctx.Err()
			case isInvalidGrant(err):
				return false, ErrUnauthorized
			case errors.Is(err, context.DeadlineExceeded):
				return attemptRemained, context.DeadlineExceeded
			default:
				return attemptRemained, fmt.Errorf("failed to exchange grant code: %w", err)
			}
		}
		return false, nil
	})
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return ctx.Err()
		case errors.Is(err, ErrUnauthorized), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			flawP := flaw.P{"user_id": userID, "err_debug_tree": errutil.Tree(err).FlawP()}
			return flaw.From(fmt.Errorf("failed to exchange grant code: %v", err)).Append(flawP)
		}
	}

	if tok.RefreshToken == "" {
		flawP := flaw.P{"user_id": userID}
		return flaw.From(errors.New("token exchange response carries no refresh token")).Append(flawP)
	}

	return fs.TokenFileFor(m.credsDir, userID, m.cipher).Write(fs.TokenFileContent{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.Unix(),
	})
}

// Load returns the user's credentials handle, failing with ErrUnauthorized
// when no usable token file exists.
func (m *Manager) Load(userID int64) (*Auth, error) {
	file := fs.TokenFileFor(m.credsDir, userID, m.cipher)
	content, err := file.Read()
	if nil != err {
		switch {
		case errors.Is(err, os.ErrNotExist), errors.Is(err, fs.ErrCorruptTokenFile):
			return nil, ErrUnauthorized
		default:
			return nil, err
		}
	}
	return &Auth{
		userID: userID,
		file:   file,
		cfg:    m.cfg,
		creds:  *content,
	}, nil
}

// IsAuthorized reports whether a token file exists for the user without
// validating it against the token endpoint.
func (m *Manager) IsAuthorized(userID int64) (bool, error) {
	_, err := m.Load(userID)
	switch {
	case nil == err:
		return true, nil
	case errors.Is(err, ErrUnauthorized):
		return false, nil
	default:
		return false, err
	}
}

// Auth is one user's loaded credentials. Refreshed access tokens are written
// back to the token file before use.
type Auth struct {
	userID int64
	file   fs.TokenFile
	cfg    oauth2.Config
	creds  fs.TokenFileContent
}

func (a *Auth) AccessToken(ctx context.Context) (string, error) {
	if time.Now().Add(expirySkew).Before(time.Unix(a.creds.ExpiresAt, 0)) {
		return a.creds.AccessToken, nil
	}

	src := a.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: a.creds.RefreshToken}) //nolint:exhaustruct
	tok, err := src.Token()
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return "", ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return "", context.DeadlineExceeded
		case isInvalidGrant(err):
			return "", ErrUnauthorized
		default:
			flawP := flaw.P{"user_id": a.userID, "err_debug_tree": errutil.Tree(err).FlawP()}
			return "", flaw.From(fmt.Errorf("failed to refresh access token: %v", err)).Append(flawP)
		}
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = a.creds.RefreshToken
	}
	a.creds = fs.TokenFileContent{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry.Unix(),
	}
	if err := a.file.Write(a.creds); nil != err {
		return "", err
	}
	return a.creds.AccessToken, nil
}

// Revoke invalidates the refresh token at the provider and removes the token
// file. An already-invalid token still results in local removal.
func (a *Auth) Revoke(ctx context.Context) (err error) {
	form := url.Values{"token": []string{a.creds.RefreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if nil != err {
		flawP := flaw.P{"user_id": a.userID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create revoke request: %v", err)).Append(flawP)
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	client := http.Client{Timeout: config.TokenExchangeRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return context.DeadlineExceeded
		default:
			flawP := flaw.P{"user_id": a.userID, "err_debug_tree": errutil.Tree(err).FlawP()}
			return flaw.From(fmt.Errorf("failed to issue revoke request: %v", err)).Append(flawP)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest:
	default:
		flawP := flaw.P{"user_id": a.userID, "status_code": resp.StatusCode}
		return flaw.From(fmt.Errorf("unexpected revoke response status: %d", resp.StatusCode)).Append(flawP)
	}

	return a.file.Remove()
}

func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	switch retrieveErr.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "invalid_client" || retrieveErr.ErrorCode == ""
	default:
		return false
	}
}
