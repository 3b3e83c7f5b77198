package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/errutil"
	"github.com/pouyad/tgdup/must"
)

// TokenFile holds one user's Drive credentials on disk, named after the
// owning user identifier. A non-nil cipher encrypts the payload at rest.
type TokenFile struct {
	filePath string
	cipher   *Cipher
}

func (f TokenFile) path() string {
	return f.filePath
}

func TokenFileFor(dir string, userID int64, cipher *Cipher) TokenFile {
	return TokenFile{
		filePath: filepath.Join(dir, strconv.FormatInt(userID, 10)+".json"),
		cipher:   cipher,
	}
}

type TokenFileContent struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

var ErrCorruptTokenFile = errors.New("token file is corrupt")

// Read loads and decodes the token file. Undecryptable or undecodable
// payloads fail with ErrCorruptTokenFile so callers can quarantine them.
func (f TokenFile) Read() (*TokenFileContent, error) {
	raw, err := os.ReadFile(f.path())
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to read token file: %v", err)).Append(flawP)
	}

	plain, err := f.cipher.open(raw)
	if nil != err {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTokenFile, err)
	}

	var c *TokenFileContent
	if err := json.Unmarshal(plain, &c); nil != err {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTokenFile, err)
	}
	// A literal JSON null decodes without error but leaves c nil.
	if c == nil {
		return nil, fmt.Errorf("%w: empty document", ErrCorruptTokenFile)
	}
	if c.RefreshToken == "" {
		return nil, fmt.Errorf("%w: missing refresh token", ErrCorruptTokenFile)
	}
	return c, nil
}

func (f TokenFile) Write(c TokenFileContent) (err error) {
	plain, err := json.Marshal(c)
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to encode token file: %v", err)).Append(flawP)
	}
	blob, err := f.cipher.seal(plain)
	if nil != err {
		return err
	}

	file, err := os.OpenFile(f.path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o0600)
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to open token file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			flawP := flaw.P{"err_debug_tree": errutil.Tree(closeErr).FlawP()}
			closeErr = flaw.From(fmt.Errorf("failed to close token file: %v", closeErr)).Append(flawP)
			if nil != err {
				err = must.BeFlaw(err).Join(closeErr)
			} else {
				err = closeErr
			}
		}
	}()

	if _, err := file.Write(blob); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to write token file: %v", err)).Append(flawP)
	}
	return nil
}

func (f TokenFile) Remove() error {
	if err := os.Remove(f.path()); nil != err && !errors.Is(err, os.ErrNotExist) {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to remove token file: %v", err)).Append(flawP)
	}
	return nil
}

// Quarantine moves the file aside instead of deleting it so a corrupt
// credential can still be inspected. The timestamp keeps repeated
// quarantines of the same user from clobbering each other.
func (f TokenFile) Quarantine() error {
	quarantined := fmt.Sprintf("%s.%d.corrupt", f.path(), time.Now().Unix())
	if err := os.Rename(f.path(), quarantined); nil != err {
		flawP := flaw.P{"quarantined_path": quarantined, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to quarantine token file: %v", err)).Append(flawP)
	}
	return nil
}

// ScanReport summarizes a credentials directory sweep.
type ScanReport struct {
	Valid       int
	Quarantined []int64
}

// Scan walks the credentials directory, quarantines unreadable token files,
// and reports how many remain usable. Files that do not look like token
// files are left alone.
func Scan(dir string, cipher *Cipher) (*ScanReport, error) {
	entries, err := os.ReadDir(dir)
	if nil != err {
		flawP := flaw.P{"dir": dir, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to scan token dir: %v", err)).Append(flawP)
	}

	report := &ScanReport{Valid: 0, Quarantined: nil}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		userID, err := strconv.ParseInt(strings.TrimSuffix(entry.Name(), ".json"), 10, 64)
		if nil != err {
			continue
		}

		f := TokenFile{filePath: filepath.Join(dir, entry.Name()), cipher: cipher}
		if _, err := f.Read(); nil != err {
			if errors.Is(err, ErrCorruptTokenFile) {
				if err := f.Quarantine(); nil != err {
					return nil, err
				}
				report.Quarantined = append(report.Quarantined, userID)
				continue
			}
			return nil, err
		}
		report.Valid++
	}
	return report, nil
}
