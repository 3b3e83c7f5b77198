package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pouyad/tgdup/drive"
	"github.com/pouyad/tgdup/task"
)

func TestProgressBar(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "░░░░░░░░░░░░", progressBar(0))
	assert.Equal(t, "██████░░░░░░", progressBar(50))
	assert.Equal(t, "████████████", progressBar(100))
	assert.Equal(t, "████████████", progressBar(250))
	assert.Equal(t, "░░░░░░░░░░░░", progressBar(-3))
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(3*512*1024))
	assert.Equal(t, "2.0 GiB", formatBytes(2*1024*1024*1024))
}

func TestRenderSnapshot(t *testing.T) {
	t.Parallel()

	t.Run("DownloadingWithKnownTotal", func(t *testing.T) {
		t.Parallel()
		s := task.Snapshot{
			State:            task.StateDownloading,
			FileName:         "movie.mkv",
			BytesTransferred: 50,
			BytesTotal:       100,
		}
		text := renderSnapshot(s)
		assert.Contains(t, text, "Downloading")
		assert.Contains(t, text, "movie.mkv")
		assert.Contains(t, text, "50%")
	})

	t.Run("DownloadingWithUnknownTotal", func(t *testing.T) {
		t.Parallel()
		s := task.Snapshot{
			State:            task.StateDownloading,
			FileName:         "movie.mkv",
			BytesTransferred: 4096,
		}
		text := renderSnapshot(s)
		assert.NotContains(t, text, "%")
		assert.Contains(t, text, "transferred")
	})

	t.Run("Completed", func(t *testing.T) {
		t.Parallel()
		s := task.Snapshot{
			State:      task.StateCompleted,
			FileName:   "notes.pdf",
			BytesTotal: 2048,
			Result:     &drive.RemoteRef{FileID: "abc", Name: "notes.pdf", Link: "https://drive.google.com/x"},
		}
		text := renderSnapshot(s)
		assert.Contains(t, text, "notes.pdf")
		assert.Contains(t, text, "https://drive.google.com/x")
	})
}

func TestRenderFailureTextsAreStable(t *testing.T) {
	t.Parallel()

	kinds := []task.ErrorKind{
		task.KindInvalidSource,
		task.KindNetworkError,
		task.KindQuotaExceeded,
		task.KindAuthRequired,
		task.KindCancelled,
		task.KindUnknown,
	}
	seen := make(map[string]task.ErrorKind, len(kinds))
	for _, kind := range kinds {
		text := renderFailure(&task.ErrorInfo{Kind: kind, Message: "m"})
		if prev, dup := seen[text]; dup {
			t.Errorf("kinds %s and %s render the same text", prev, kind)
		}
		seen[text] = kind
	}
	assert.Contains(t, renderFailure(&task.ErrorInfo{Kind: task.KindAuthRequired}), "/auth")
	assert.NotEmpty(t, renderFailure(nil))
}
