package fs_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouyad/tgdup/drive/fs"
)

func TestTokenFileRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := fs.TokenFileFor(dir, 42, nil)
	content := fs.TokenFileContent{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		ExpiresAt:    1700000000,
	}
	require.NoError(t, f.Write(content))

	got, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, content, *got)
}

func TestTokenFileReadMissing(t *testing.T) {
	t.Parallel()

	f := fs.TokenFileFor(t.TempDir(), 7, nil)
	_, err := f.Read()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTokenFileReadCorrupt(t *testing.T) {
	t.Parallel()

	t.Run("Garbage", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		f := fs.TokenFileFor(dir, 9, nil)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "9.json"), []byte("{not json"), 0o0600))
		_, err := f.Read()
		assert.ErrorIs(t, err, fs.ErrCorruptTokenFile)
	})

	t.Run("MissingRefreshToken", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		f := fs.TokenFileFor(dir, 9, nil)
		require.NoError(t, f.Write(fs.TokenFileContent{AccessToken: "a", RefreshToken: "", ExpiresAt: 0}))
		_, err := f.Read()
		assert.ErrorIs(t, err, fs.ErrCorruptTokenFile)
	})

	t.Run("Null", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		f := fs.TokenFileFor(dir, 9, nil)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "9.json"), []byte("null"), 0o0600))
		_, err := f.Read()
		assert.ErrorIs(t, err, fs.ErrCorruptTokenFile)
	})
}

func TestTokenFileRemoveMissingIsNoop(t *testing.T) {
	t.Parallel()

	f := fs.TokenFileFor(t.TempDir(), 11, nil)
	assert.NoError(t, f.Remove())
}

func TestScan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, fs.TokenFileFor(dir, 1, nil).Write(fs.TokenFileContent{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    1700000000,
	}))
	require.NoError(t, fs.TokenFileFor(dir, 2, nil).Write(fs.TokenFileContent{
		AccessToken:  "a2",
		RefreshToken: "r2",
		ExpiresAt:    1700000000,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "3.json"), []byte("garbage"), 0o0600))
	// Non-token files live alongside credentials and must be left alone.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte("{}"), 0o0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o0600))

	report, err := fs.Scan(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Valid)
	assert.Equal(t, []int64{3}, report.Quarantined)

	_, err = os.Stat(filepath.Join(dir, "3.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "corrupt token file must be moved aside")
	matches, err := filepath.Glob(filepath.Join(dir, "3.json.*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, err = os.Stat(filepath.Join(dir, "session.json"))
	assert.NoError(t, err, "session file must survive the scan untouched")
}
