package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/errutil"
	"github.com/pouyad/tgdup/log"
)

// Kind selects one of the operational log sinks.
type Kind string

const (
	KindSystem   Kind = "system"
	KindActivity Kind = "activity"
	KindStats    Kind = "stats"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindSystem, KindActivity, KindStats:
		return Kind(s), true
	default:
		return "", false
	}
}

// DailyStats aggregates the uploads completed since midnight.
type DailyStats struct {
	Date        string
	UploadCount int
	TotalBytes  int64
}

// Monitor writes the three operational sinks (system, activity, stats) as
// line-delimited JSON under the log directory and keeps the in-memory daily
// upload aggregate.
type Monitor struct {
	mux         sync.Mutex
	dir         string
	system      zerolog.Logger
	activity    zerolog.Logger
	stats       zerolog.Logger
	files       []*os.File
	day         string
	uploadCount int
	totalBytes  int64
}

func Open(dir string) (*Monitor, error) {
	m := &Monitor{ //nolint:exhaustruct
		dir: dir,
		day: today(),
	}
	for _, sink := range []struct {
		kind Kind
		dst  *zerolog.Logger
	}{
		{kind: KindSystem, dst: &m.system},
		{kind: KindActivity, dst: &m.activity},
		{kind: KindStats, dst: &m.stats},
	} {
		f, err := os.OpenFile(sinkPath(dir, sink.kind), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o0600)
		if nil != err {
			m.closeFiles()
			flawP := flaw.P{"dir": dir, "kind": string(sink.kind), "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to open %s log sink: %v", sink.kind, err)).Append(flawP)
		}
		m.files = append(m.files, f)
		*sink.dst = log.NewPacked(f)
	}
	return m, nil
}

func sinkPath(dir string, kind Kind) string {
	return filepath.Join(dir, string(kind)+".log")
}

func (m *Monitor) closeFiles() {
	for _, f := range m.files {
		_ = f.Close()
	}
	m.files = nil
}

func (m *Monitor) Close() {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.closeFiles()
}

func (m *Monitor) Info(msg string) {
	m.system.Info().Msg(msg)
}

func (m *Monitor) Error(msg string) {
	m.system.Error().Msg(msg)
}

// Alert records an operator-facing warning on the system sink.
func (m *Monitor) Alert(msg string) {
	m.system.Warn().Bool("admin_alert", true).Msg(msg)
}

// LogActivity records one user-facing action on the activity sink.
func (m *Monitor) LogActivity(userID int64, role, action, detail string) {
	ev := m.activity.Info().Int64("user_id", userID).Str("role", role).Str("action", action)
	if detail != "" {
		ev = ev.Str("detail", detail)
	}
	ev.Msg("activity")
}

// RecordUpload adds one completed upload to the daily aggregate and records
// it on the stats sink. A date change rolls the previous day's totals into a
// final stats entry before resetting.
func (m *Monitor) RecordUpload(userID int64, role, fileName string, sizeBytes int64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.rolloverLocked()
	m.uploadCount++
	m.totalBytes += sizeBytes
	m.stats.Info().
		Int64("user_id", userID).
		Str("role", role).
		Str("file_name", fileName).
		Int64("size_bytes", sizeBytes).
		Msg("upload completed")
}

// TodayStats returns the aggregate for the current date.
func (m *Monitor) TodayStats() DailyStats {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.rolloverLocked()
	return DailyStats{
		Date:        m.day,
		UploadCount: m.uploadCount,
		TotalBytes:  m.totalBytes,
	}
}

func (m *Monitor) rolloverLocked() {
	t := today()
	if m.day == t {
		return
	}
	m.stats.Info().
		Str("date", m.day).
		Int("upload_count", m.uploadCount).
		Int64("total_bytes", m.totalBytes).
		Msg("daily stats rollover")
	m.day = t
	m.uploadCount = 0
	m.totalBytes = 0
}

func today() string {
	return time.Now().Format(time.DateOnly)
}

// Tail returns up to n trailing lines of the selected sink. A sink that has
// not been written to yet yields no lines.
func (m *Monitor) Tail(kind Kind, n int) ([]string, error) {
	data, err := os.ReadFile(sinkPath(m.dir, kind))
	if nil != err {
		if os.IsNotExist(err) {
			return nil, nil
		}
		flawP := flaw.P{"dir": m.dir, "kind": string(kind), "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to read %s log sink: %v", kind, err)).Append(flawP)
	}

	lines := lo.Filter(strings.Split(string(data), "\n"), func(line string, _ int) bool { return line != "" })
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
