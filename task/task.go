package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pouyad/tgdup/drive"
	"github.com/pouyad/tgdup/drive/auth"
	"github.com/pouyad/tgdup/source"
)

// State is a transfer lifecycle phase. Transitions only move forward:
// Queued, Resolving, Downloading, Uploading, then exactly one of the
// terminal states.
type State string

const (
	StateQueued      State = "queued"
	StateResolving   State = "resolving"
	StateDownloading State = "downloading"
	StateUploading   State = "uploading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ErrorKind categorizes terminal failures for user-facing rendering.
type ErrorKind string

const (
	KindInvalidSource ErrorKind = "invalid_source"
	KindNetworkError  ErrorKind = "network_error"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindAuthRequired  ErrorKind = "auth_required"
	KindAlreadyActive ErrorKind = "already_active"
	KindCancelled     ErrorKind = "cancelled"
	KindUnknown       ErrorKind = "unknown"
)

// ErrorInfo is the categorized failure carried by a Failed snapshot. Cause
// retains the underlying error for operator diagnostics; rendering must rely
// on Kind only.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// errTaskCanceled is the cancellation cause distinguishing a user abort from
// a dying parent context.
var errTaskCanceled = errors.New("task canceled by the user")

// Categorize maps pipeline errors onto the failure taxonomy. Anything not
// recognized lands in KindUnknown with its cause preserved.
func Categorize(err error) ErrorInfo {
	var hostErr *source.UnsupportedHostError
	switch {
	case errors.Is(err, errTaskCanceled), errors.Is(err, context.Canceled):
		return ErrorInfo{Kind: KindCancelled, Message: "canceled", Cause: err}
	case errors.Is(err, source.ErrNotALink), errors.As(err, &hostErr):
		return ErrorInfo{Kind: KindInvalidSource, Message: err.Error(), Cause: err}
	case errors.Is(err, source.ErrTooManyRequests), errors.Is(err, drive.ErrQuotaExceeded):
		return ErrorInfo{Kind: KindQuotaExceeded, Message: err.Error(), Cause: err}
	case errors.Is(err, auth.ErrUnauthorized):
		return ErrorInfo{Kind: KindAuthRequired, Message: err.Error(), Cause: err}
	case errors.Is(err, source.ErrNetwork), errors.Is(err, drive.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return ErrorInfo{Kind: KindNetworkError, Message: err.Error(), Cause: err}
	default:
		return ErrorInfo{Kind: KindUnknown, Message: err.Error(), Cause: err}
	}
}

// AlreadyActiveError rejects admission while the owner's slot is taken.
type AlreadyActiveError struct {
	TaskID string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("task %q is already active", e.TaskID)
}

// Snapshot is a read-only copy of a task's externally visible state.
type Snapshot struct {
	ID               string
	OwnerID          int64
	State            State
	FileName         string
	BytesTransferred int64
	BytesTotal       int64
	Result           *drive.RemoteRef
	Error            *ErrorInfo
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Percent reports transfer completion, or -1 when the total is unknown.
func (s Snapshot) Percent() int {
	if s.BytesTotal <= 0 {
		return -1
	}
	return int(s.BytesTransferred * 100 / s.BytesTotal)
}
