package task_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouyad/tgdup/cache"
	"github.com/pouyad/tgdup/drive"
	"github.com/pouyad/tgdup/drive/auth"
	"github.com/pouyad/tgdup/source"
	"github.com/pouyad/tgdup/task"
)

type stubFetcher struct {
	size    int64
	err     error
	release chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, _ *source.Descriptor, destPath string, onProgress func(transferred, total int64)) (int64, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if nil != f.err {
		return 0, f.err
	}
	if err := os.WriteFile(destPath, make([]byte, f.size), 0o0600); nil != err {
		return 0, err
	}
	if onProgress != nil {
		onProgress(f.size, f.size)
	}
	return f.size, nil
}

type stubPusher struct {
	err error
}

func (p *stubPusher) Push(_ context.Context, _ int64, filePath, fileName string, onProgress func(transferred, total int64)) (*drive.RemoteRef, error) {
	if nil != p.err {
		return nil, p.err
	}
	info, err := os.Stat(filePath)
	if nil != err {
		return nil, err
	}
	if onProgress != nil {
		onProgress(info.Size(), info.Size())
	}
	return &drive.RemoteRef{FileID: "remote-id", Name: fileName, Link: "https://drive.google.com/uc?id=remote-id"}, nil
}

type recorder struct {
	mux   sync.Mutex
	snaps []task.Snapshot
	done  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) onUpdate(s task.Snapshot) {
	r.mux.Lock()
	r.snaps = append(r.snaps, s)
	r.mux.Unlock()
	if s.State.Terminal() {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not reach a terminal state in time")
	}
}

func (r *recorder) states() []task.State {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]task.State, 0, len(r.snaps))
	for i, s := range r.snaps {
		if i == 0 || s.State != out[len(out)-1] {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *recorder) final() task.Snapshot {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func newController(t *testing.T, fetcher task.Fetcher, pusher task.Pusher) *task.Controller {
	t.Helper()
	resolver := source.NewResolver(&cache.New().DirectLinks)
	return task.NewController(resolver, fetcher, pusher, t.TempDir(), zerolog.Nop())
}

func TestPipelineCompletes(t *testing.T) {
	t.Parallel()

	scratchDir := t.TempDir()
	resolver := source.NewResolver(&cache.New().DirectLinks)
	c := task.NewController(resolver, &stubFetcher{size: 1000}, &stubPusher{}, scratchDir, zerolog.Nop())

	rec := newRecorder()
	id, err := c.Submit(context.Background(), 42, "https://example.com/archive.tar.gz", rec.onUpdate)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec.wait(t)
	assert.Equal(t, []task.State{task.StateResolving, task.StateDownloading, task.StateUploading, task.StateCompleted}, rec.states())

	final := rec.final()
	assert.Equal(t, int64(1000), final.BytesTransferred)
	assert.Equal(t, int64(1000), final.BytesTotal)
	assert.Equal(t, "archive.tar.gz", final.FileName)
	require.NotNil(t, final.Result)
	assert.Equal(t, "remote-id", final.Result.FileID)
	assert.Nil(t, final.Error)

	entries, err := os.ReadDir(scratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch file is removed on completion")
}

func TestInvalidSourceNeverDownloads(t *testing.T) {
	t.Parallel()

	c := newController(t, &stubFetcher{size: 10}, &stubPusher{})

	rec := newRecorder()
	_, err := c.Submit(context.Background(), 42, "not a link at all", rec.onUpdate)
	require.NoError(t, err, "admission happens before resolution")

	rec.wait(t)
	final := rec.final()
	assert.Equal(t, task.StateFailed, final.State)
	require.NotNil(t, final.Error)
	assert.Equal(t, task.KindInvalidSource, final.Error.Kind)
	assert.NotContains(t, rec.states(), task.StateDownloading)
}

func TestSingleFlightAdmission(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := newController(t, &stubFetcher{size: 10, release: release}, &stubPusher{})

	rec := newRecorder()
	_, err := c.Submit(context.Background(), 42, "https://example.com/a.bin", rec.onUpdate)
	require.NoError(t, err)

	const n = 8
	var (
		wg            sync.WaitGroup
		mux           sync.Mutex
		alreadyActive int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit(context.Background(), 42, "https://example.com/b.bin", func(task.Snapshot) {})
			if err != nil {
				var activeErr *task.AlreadyActiveError
				if errors.As(err, &activeErr) {
					mux.Lock()
					alreadyActive++
					mux.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, n, alreadyActive, "every concurrent submit is rejected while the slot is taken")

	// Other owners are admitted independently.
	otherRec := newRecorder()
	_, err = c.Submit(context.Background(), 7, "https://example.com/c.bin", otherRec.onUpdate)
	require.NoError(t, err)

	close(release)
	rec.wait(t)
	otherRec.wait(t)

	// The slot frees on the terminal transition; a resubmission is admitted.
	again := newRecorder()
	_, err = c.Submit(context.Background(), 42, "https://example.com/d.bin", again.onUpdate)
	require.NoError(t, err)
	again.wait(t)
	assert.Equal(t, task.StateCompleted, again.final().State)
}

func TestCancelActiveTask(t *testing.T) {
	t.Parallel()

	c := newController(t, &stubFetcher{size: 10, release: make(chan struct{})}, &stubPusher{})

	rec := newRecorder()
	_, err := c.Submit(context.Background(), 42, "https://example.com/a.bin", rec.onUpdate)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := c.Status(42)
		return ok && snap.State == task.StateDownloading
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, c.Cancel(42))
	rec.wait(t)
	assert.Equal(t, task.StateCancelled, rec.final().State)

	snap, ok := c.Status(42)
	require.True(t, ok)
	assert.Equal(t, task.StateCancelled, snap.State)
}

func TestCancelWithoutActiveTask(t *testing.T) {
	t.Parallel()

	c := newController(t, &stubFetcher{size: 10}, &stubPusher{})
	assert.False(t, c.Cancel(42))

	_, ok := c.Status(42)
	assert.False(t, ok, "cancel never creates a task")
}

func TestFailureCategorization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fetchErr error
		pushErr  error
		want     task.ErrorKind
	}{
		{name: "network failure on fetch", fetchErr: source.ErrNetwork, want: task.KindNetworkError},
		{name: "rate limited source", fetchErr: source.ErrTooManyRequests, want: task.KindQuotaExceeded},
		{name: "storage quota on push", pushErr: drive.ErrQuotaExceeded, want: task.KindQuotaExceeded},
		{name: "missing credentials on push", pushErr: auth.ErrUnauthorized, want: task.KindAuthRequired},
		{name: "uncategorized failure", fetchErr: errors.New("disk on fire"), want: task.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newController(t, &stubFetcher{size: 10, err: tt.fetchErr}, &stubPusher{err: tt.pushErr})

			rec := newRecorder()
			_, err := c.Submit(context.Background(), 42, "https://example.com/a.bin", rec.onUpdate)
			require.NoError(t, err)

			rec.wait(t)
			final := rec.final()
			assert.Equal(t, task.StateFailed, final.State)
			require.NotNil(t, final.Error)
			assert.Equal(t, tt.want, final.Error.Kind)
		})
	}
}

func TestSubmitFileSkipsResolution(t *testing.T) {
	t.Parallel()

	c := newController(t, &stubFetcher{size: 64}, &stubPusher{})

	rec := newRecorder()
	desc := &source.Descriptor{Kind: source.KindTelegramFile, URL: "", FileName: "voice.ogg", Telegram: nil}
	_, err := c.SubmitFile(context.Background(), 42, desc, rec.onUpdate)
	require.NoError(t, err)

	rec.wait(t)
	final := rec.final()
	assert.Equal(t, task.StateCompleted, final.State)
	assert.Equal(t, "voice.ogg", final.FileName)
}

func TestScratchNamesAreUnique(t *testing.T) {
	t.Parallel()

	scratchDir := t.TempDir()
	resolver := source.NewResolver(&cache.New().DirectLinks)

	var (
		mux   sync.Mutex
		paths []string
	)
	fetcher := &pathRecordingFetcher{mux: &mux, paths: &paths}
	c := task.NewController(resolver, fetcher, &stubPusher{}, scratchDir, zerolog.Nop())

	for i := 0; i < 3; i++ {
		rec := newRecorder()
		_, err := c.Submit(context.Background(), 42, "https://example.com/same.bin", rec.onUpdate)
		require.NoError(t, err)
		rec.wait(t)
	}

	require.Len(t, paths, 3)
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		assert.False(t, seen[p], "scratch path %q reused", p)
		seen[p] = true
		assert.True(t, strings.HasPrefix(p, scratchDir+string(filepath.Separator)))
	}
}

// partedFetcher reports progress from several goroutines at once, the way the
// ranged direct downloader does.
type partedFetcher struct {
	parts    int
	partSize int64
}

func (f *partedFetcher) Fetch(_ context.Context, _ *source.Descriptor, destPath string, onProgress func(transferred, total int64)) (int64, error) {
	total := int64(f.parts) * f.partSize
	if err := os.WriteFile(destPath, make([]byte, total), 0o0600); nil != err {
		return 0, err
	}
	var (
		transferred atomic.Int64
		wg          sync.WaitGroup
	)
	for i := 0; i < f.parts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if onProgress != nil {
				onProgress(transferred.Add(f.partSize), total)
			}
		}()
	}
	wg.Wait()
	return total, nil
}

func TestConcurrentProgressReports(t *testing.T) {
	t.Parallel()

	c := newController(t, &partedFetcher{parts: 64, partSize: 1024}, &stubPusher{})

	rec := newRecorder()
	_, err := c.Submit(context.Background(), 42, "https://example.com/big.bin", rec.onUpdate)
	require.NoError(t, err)

	rec.wait(t)
	final := rec.final()
	assert.Equal(t, task.StateCompleted, final.State)
	assert.Equal(t, int64(64*1024), final.BytesTransferred)

	// Emitted byte counts never move backwards, even when part completions
	// land out of order.
	rec.mux.Lock()
	defer rec.mux.Unlock()
	var prev int64
	var prevState task.State
	for _, s := range rec.snaps {
		if s.State == prevState {
			assert.GreaterOrEqual(t, s.BytesTransferred, prev)
		}
		prev = s.BytesTransferred
		prevState = s.State
	}
}

type pathRecordingFetcher struct {
	mux   *sync.Mutex
	paths *[]string
}

func (f *pathRecordingFetcher) Fetch(_ context.Context, _ *source.Descriptor, destPath string, onProgress func(transferred, total int64)) (int64, error) {
	f.mux.Lock()
	*f.paths = append(*f.paths, destPath)
	f.mux.Unlock()
	if err := os.WriteFile(destPath, []byte("x"), 0o0600); nil != err {
		return 0, err
	}
	if onProgress != nil {
		onProgress(1, 1)
	}
	return 1, nil
}
