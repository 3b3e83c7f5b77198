package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouyad/tgdup/drive/fs"
)

func TestTokenFileEncryptedRoundTrip(t *testing.T) {
	t.Parallel()

	cipher, err := fs.NewCipher("a passphrase, not proper key material")
	require.NoError(t, err)

	dir := t.TempDir()
	f := fs.TokenFileFor(dir, 42, cipher)
	content := fs.TokenFileContent{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		ExpiresAt:    1700000000,
	}
	require.NoError(t, f.Write(content))

	raw, err := os.ReadFile(filepath.Join(dir, "42.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "1//refresh", "refresh token must not land on disk in plaintext")
	assert.Contains(t, string(raw), "tgdup-token::v1::")

	got, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, content, *got)
}

func TestTokenFilePlaintextStaysReadableWithKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := fs.TokenFileContent{AccessToken: "a", RefreshToken: "r", ExpiresAt: 1700000000}
	require.NoError(t, fs.TokenFileFor(dir, 42, nil).Write(content))

	cipher, err := fs.NewCipher("later-configured-key")
	require.NoError(t, err)
	got, err := fs.TokenFileFor(dir, 42, cipher).Read()
	require.NoError(t, err)
	assert.Equal(t, content, *got)
}

func TestTokenFileEncryptedReadFailures(t *testing.T) {
	t.Parallel()

	write := func(t *testing.T) string {
		t.Helper()
		dir := t.TempDir()
		cipher, err := fs.NewCipher("the-original-key")
		require.NoError(t, err)
		require.NoError(t, fs.TokenFileFor(dir, 42, cipher).Write(fs.TokenFileContent{
			AccessToken:  "a",
			RefreshToken: "r",
			ExpiresAt:    1700000000,
		}))
		return dir
	}

	t.Run("MissingKey", func(t *testing.T) {
		t.Parallel()
		dir := write(t)
		_, err := fs.TokenFileFor(dir, 42, nil).Read()
		assert.ErrorIs(t, err, fs.ErrCorruptTokenFile)
	})

	t.Run("WrongKey", func(t *testing.T) {
		t.Parallel()
		dir := write(t)
		wrong, err := fs.NewCipher("a-different-key")
		require.NoError(t, err)
		_, err = fs.TokenFileFor(dir, 42, wrong).Read()
		assert.ErrorIs(t, err, fs.ErrCorruptTokenFile)
	})
}

func TestScanQuarantinesUndecryptableTokens(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cipher, err := fs.NewCipher("key-one")
	require.NoError(t, err)
	require.NoError(t, fs.TokenFileFor(dir, 1, cipher).Write(fs.TokenFileContent{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    1700000000,
	}))

	// Scanning without the key treats the encrypted file like any other
	// unreadable credential.
	report, err := fs.Scan(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Valid)
	assert.Equal(t, []int64{1}, report.Quarantined)
}
