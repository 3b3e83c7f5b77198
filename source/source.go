package source

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gotd/td/tg"

	"github.com/pouyad/tgdup/cache"
)

// Kind tags the closed set of supported source variants. New hosting
// services are added here, not through runtime registration.
type Kind string

const (
	KindDirect       Kind = "direct"
	KindDropbox      Kind = "dropbox"
	KindTelegramFile Kind = "telegram_file"
)

// Descriptor is the resolved, typed representation of an input link or file,
// sufficient to drive the matching download strategy.
type Descriptor struct {
	Kind     Kind
	URL      string
	FileName string
	Telegram *TelegramFile
}

// TelegramFile locates a document or photo the user sent to the bot.
type TelegramFile struct {
	Location tg.InputFileLocationClass
	Size     int64
	Name     string
}

var ErrNotALink = errors.New("input is not a link")

type UnsupportedHostError struct {
	Host   string
	Reason string
}

func (e *UnsupportedHostError) Error() string {
	return fmt.Sprintf("links from %q are not supported: %s", e.Host, e.Reason)
}

type Resolver struct {
	links *cache.DirectLinksCache
}

func NewResolver(links *cache.DirectLinksCache) *Resolver {
	return &Resolver{links: links}
}

// Resolve classifies input against known hosting-service URL shapes, most
// specific first, falling back to a generic direct URL. Classification of
// the same input is deterministic.
func (r *Resolver) Resolve(input string) (*Descriptor, error) {
	u, err := url.Parse(strings.TrimSpace(input))
	if nil != err {
		return nil, fmt.Errorf("%w: %v", ErrNotALink, err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrNotALink, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrNotALink)
	}

	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	switch {
	case host == "openload.co" || strings.HasPrefix(host, "oload."):
		return nil, &UnsupportedHostError{Host: u.Host, Reason: "service has been shut down"}
	case host == "mega.nz" || host == "mega.co.nz":
		return nil, &UnsupportedHostError{Host: u.Host, Reason: "credentialed downloads are not supported"}
	case host == "dropbox.com" || host == "dl.dropboxusercontent.com":
		direct, err := r.dropboxDirectURL(u)
		if nil != err {
			return nil, err
		}
		return &Descriptor{
			Kind:     KindDropbox,
			URL:      direct,
			FileName: fileNameFromPath(u.Path),
			Telegram: nil,
		}, nil
	default:
		return &Descriptor{
			Kind:     KindDirect,
			URL:      u.String(),
			FileName: fileNameFromPath(u.Path),
			Telegram: nil,
		}, nil
	}
}

// dropboxDirectURL rewrites a share link to the direct-download host so the
// generic streaming strategy applies. The rewrite is pure; the cache only
// spares repeated submissions the same computation.
func (r *Resolver) dropboxDirectURL(u *url.URL) (string, error) {
	item, err := r.links.Fetch(u.String(), cache.DefaultDirectLinkTTL, func() (string, error) {
		direct := *u
		direct.Scheme = "https"
		direct.Host = "dl.dropboxusercontent.com"
		q := direct.Query()
		q.Del("dl")
		direct.RawQuery = q.Encode()
		return direct.String(), nil
	})
	if nil != err {
		return "", err
	}
	return item.Value(), nil
}

func fileNameFromPath(p string) string {
	name := path.Base(strings.TrimSuffix(p, "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	if unescaped, err := url.PathUnescape(name); nil == err {
		return unescaped
	}
	return name
}
