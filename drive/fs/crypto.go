package fs

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/errutil"
)

// encryptedMagic marks a token file as carrying an encrypted payload, so
// plaintext files written before a key was configured stay readable.
const encryptedMagic = "tgdup-token::v1::"

var (
	ErrEncryptionKeyMissing = errors.New("token file is encrypted but no encryption key is configured")
	ErrDecryptFailed        = errors.New("token file decryption failed")
)

// Cipher encrypts token file payloads at rest with AES-256-GCM. A nil Cipher
// passes data through unchanged, which keeps key-less deployments working.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from operator-supplied key material. A value that
// base64-decodes to 32 bytes, or is exactly 32 bytes long, is used as the key
// directly; anything else is treated as a passphrase and hashed.
func NewCipher(rawKey string) (*Cipher, error) {
	block, err := aes.NewCipher(deriveKey(rawKey))
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to initialize token cipher: %v", err)).Append(flawP)
	}
	aead, err := cipher.NewGCM(block)
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to initialize token cipher: %v", err)).Append(flawP)
	}
	return &Cipher{aead: aead}, nil
}

func deriveKey(rawKey string) []byte {
	raw := []byte(strings.TrimSpace(rawKey))
	if decoded, err := base64.URLEncoding.DecodeString(string(raw)); nil == err && len(decoded) == 32 {
		return decoded
	}
	if len(raw) == 32 {
		return raw
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}

// seal encrypts the payload, or returns it unchanged when no key is
// configured.
func (c *Cipher) seal(plain []byte) ([]byte, error) {
	if c == nil {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to generate token nonce: %v", err)).Append(flawP)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	out := make([]byte, 0, len(encryptedMagic)+base64.RawURLEncoding.EncodedLen(len(sealed)))
	out = append(out, encryptedMagic...)
	return base64.RawURLEncoding.AppendEncode(out, sealed), nil
}

// open reverses seal. Plaintext payloads pass through so files written before
// encryption was enabled remain loadable; they are re-encrypted on the next
// write.
func (c *Cipher) open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(encryptedMagic)) {
		return data, nil
	}
	if c == nil {
		return nil, ErrEncryptionKeyMissing
	}
	sealed, err := base64.RawURLEncoding.DecodeString(string(data[len(encryptedMagic):]))
	if nil != err {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: payload shorter than nonce", ErrDecryptFailed)
	}
	plain, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if nil != err {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plain, nil
}
