package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/drive"
	"github.com/pouyad/tgdup/errutil"
	"github.com/pouyad/tgdup/log"
	"github.com/pouyad/tgdup/ratelimit"
	"github.com/pouyad/tgdup/source"
)

// Resolver classifies raw input into a source descriptor.
type Resolver interface {
	Resolve(input string) (*source.Descriptor, error)
}

// Fetcher downloads a resolved source into a local scratch file.
type Fetcher interface {
	Fetch(ctx context.Context, desc *source.Descriptor, destPath string, onProgress func(transferred, total int64)) (int64, error)
}

// Pusher uploads a local file to the owner's destination.
type Pusher interface {
	Push(ctx context.Context, ownerID int64, filePath, fileName string, onProgress func(transferred, total int64)) (*drive.RemoteRef, error)
}

// Controller owns every task. It admits at most one non-terminal task per
// owner, sequences resolve, download, and upload, and forwards throttled
// progress snapshots to the submitter's callback.
type Controller struct {
	mux        sync.Mutex
	active     map[int64]*task
	last       map[int64]Snapshot
	resolver   Resolver
	fetcher    Fetcher
	pusher     Pusher
	scratchDir string
	seq        atomic.Uint64
	logger     zerolog.Logger
}

func NewController(resolver Resolver, fetcher Fetcher, pusher Pusher, scratchDir string, logger zerolog.Logger) *Controller {
	return &Controller{ //nolint:exhaustruct
		active:     make(map[int64]*task),
		last:       make(map[int64]Snapshot),
		resolver:   resolver,
		fetcher:    fetcher,
		pusher:     pusher,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

type task struct {
	mux      sync.Mutex
	snapshot Snapshot
	input    string
	desc     *source.Descriptor
	cancel   context.CancelCauseFunc
	onUpdate func(Snapshot)
	// throttle state, guarded by mux like the snapshot; progress callbacks
	// may arrive concurrently from the ranged downloader's part goroutines
	lastEmit    time.Time
	lastPercent int
}

// Submit admits a link transfer for the owner and starts advancing it in the
// background. It fails with AlreadyActiveError while the owner has a
// non-terminal task. onUpdate receives throttled snapshots plus one per
// state transition, always ending with a terminal one.
func (c *Controller) Submit(ctx context.Context, ownerID int64, input string, onUpdate func(Snapshot)) (string, error) {
	return c.admit(ctx, ownerID, input, nil, onUpdate)
}

// SubmitFile is Submit for an already-resolved descriptor, as produced from
// an incoming document or photo message.
func (c *Controller) SubmitFile(ctx context.Context, ownerID int64, desc *source.Descriptor, onUpdate func(Snapshot)) (string, error) {
	return c.admit(ctx, ownerID, "", desc, onUpdate)
}

func (c *Controller) admit(ctx context.Context, ownerID int64, input string, desc *source.Descriptor, onUpdate func(Snapshot)) (string, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if running, ok := c.active[ownerID]; ok {
		return "", &AlreadyActiveError{TaskID: running.snapshot.ID}
	}

	now := time.Now()
	taskCtx, cancel := context.WithCancelCause(ctx)
	t := &task{ //nolint:exhaustruct
		snapshot: Snapshot{ //nolint:exhaustruct
			ID:        fmt.Sprintf("%d-%d", ownerID, c.seq.Add(1)),
			OwnerID:   ownerID,
			State:     StateQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
		input:       input,
		desc:        desc,
		cancel:      cancel,
		onUpdate:    onUpdate,
		lastPercent: -1,
	}
	c.active[ownerID] = t

	go c.run(taskCtx, t)
	return t.snapshot.ID, nil
}

// Cancel aborts the owner's active task, reporting whether there was one.
// The abort is cooperative: the terminal Cancelled snapshot arrives through
// the task's own callback once the in-flight chunk settles.
func (c *Controller) Cancel(ownerID int64) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	t, ok := c.active[ownerID]
	if !ok {
		return false
	}
	t.cancel(errTaskCanceled)
	return true
}

// Status returns the owner's active task snapshot, falling back to the most
// recently finished one.
func (c *Controller) Status(ownerID int64) (Snapshot, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if t, ok := c.active[ownerID]; ok {
		return t.view(), true
	}
	snap, ok := c.last[ownerID]
	return snap, ok
}

// ActiveCount reports how many transfers are currently in flight.
func (c *Controller) ActiveCount() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.active)
}

func (t *task) view() Snapshot {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.snapshot
}

// run drives the pipeline to a terminal state, then releases the owner's
// slot and the scratch file.
func (c *Controller) run(ctx context.Context, t *task) {
	defer t.cancel(nil)

	scratchPath, err := c.advance(ctx, t)
	if nil != err {
		info := Categorize(err)
		if cause := context.Cause(ctx); errors.Is(cause, errTaskCanceled) {
			info = ErrorInfo{Kind: KindCancelled, Message: "canceled", Cause: errTaskCanceled}
		}
		if info.Kind == KindCancelled {
			t.transition(StateCancelled, func(s *Snapshot) {})
		} else {
			t.transition(StateFailed, func(s *Snapshot) { s.Error = &info })
		}
	}

	c.mux.Lock()
	delete(c.active, t.snapshot.OwnerID)
	c.last[t.snapshot.OwnerID] = t.view()
	c.mux.Unlock()

	if scratchPath != "" {
		if rmErr := os.Remove(scratchPath); nil != rmErr && !errors.Is(rmErr, os.ErrNotExist) {
			flawP := flaw.P{"scratch_path": scratchPath, "err_debug_tree": errutil.Tree(rmErr).FlawP()}
			c.logger.Error().Func(log.Flaw(flaw.From(fmt.Errorf("scratch file removal failed: %v", rmErr)).Append(flawP))).Msg("Failed to remove scratch file")
		}
	}
}

// advance runs the pipeline stages, returning the scratch path (if one was
// allocated) so the caller can release it on every exit.
func (c *Controller) advance(ctx context.Context, t *task) (scratchPath string, err error) {
	t.transition(StateResolving, func(s *Snapshot) {})

	desc := t.desc
	if desc == nil {
		desc, err = c.resolver.Resolve(t.input)
		if nil != err {
			return "", err
		}
	}
	t.mux.Lock()
	t.desc = desc
	t.snapshot.FileName = desc.FileName
	t.mux.Unlock()

	if errutil.IsContext(ctx) {
		return "", ctx.Err()
	}

	scratchPath = c.scratchPath(t.snapshot.OwnerID, desc.FileName)
	t.transition(StateDownloading, func(s *Snapshot) {})
	written, err := c.fetcher.Fetch(ctx, desc, scratchPath, t.progress)
	if nil != err {
		return scratchPath, err
	}

	if errutil.IsContext(ctx) {
		return scratchPath, ctx.Err()
	}

	t.transition(StateUploading, func(s *Snapshot) {
		s.BytesTransferred = 0
		s.BytesTotal = written
	})
	ref, err := c.pusher.Push(ctx, t.snapshot.OwnerID, scratchPath, desc.FileName, t.progress)
	if nil != err {
		return scratchPath, err
	}

	t.transition(StateCompleted, func(s *Snapshot) {
		s.Result = ref
		s.BytesTransferred = s.BytesTotal
	})
	return scratchPath, nil
}

// scratchPath allocates a collision-free name under the scratch directory.
// The sequence component keeps resubmissions of the same file apart.
func (c *Controller) scratchPath(ownerID int64, fileName string) string {
	name := filepath.Base(strings.ReplaceAll(fileName, string(os.PathSeparator), "_"))
	return filepath.Join(c.scratchDir, fmt.Sprintf("%d_%d_%s", ownerID, c.seq.Add(1), name))
}

// transition applies a state change and emits the snapshot unconditionally.
func (t *task) transition(state State, mutate func(s *Snapshot)) {
	t.mux.Lock()
	t.snapshot.State = state
	t.snapshot.UpdatedAt = time.Now()
	mutate(&t.snapshot)
	snap := t.snapshot
	t.lastEmit = time.Now()
	t.lastPercent = snap.Percent()
	t.mux.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
}

// progress records transferred byte counts and forwards a snapshot when the
// throttle allows: enough elapsed time or a large enough percentage move.
// Calls may arrive out of order from concurrent part downloads, so the byte
// counter only ever moves forward.
func (t *task) progress(transferred, total int64) {
	now := time.Now()

	t.mux.Lock()
	if transferred > t.snapshot.BytesTransferred {
		t.snapshot.BytesTransferred = transferred
	}
	if total > 0 {
		t.snapshot.BytesTotal = total
	}
	t.snapshot.UpdatedAt = now
	snap := t.snapshot

	percent := snap.Percent()
	if elapsed := now.Sub(t.lastEmit); elapsed < ratelimit.ProgressMinInterval && (percent < 0 || percent-t.lastPercent < ratelimit.ProgressMinDeltaPercent) {
		t.mux.Unlock()
		return
	}
	t.lastEmit = now
	t.lastPercent = percent
	t.mux.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
}
