package monitor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pouyad/tgdup/monitor"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"system", "activity", "stats"} {
		kind, ok := monitor.ParseKind(valid)
		require.True(t, ok)
		assert.Equal(t, monitor.Kind(valid), kind)
	}

	for _, invalid := range []string{"", "System", "audit"} {
		_, ok := monitor.ParseKind(invalid)
		assert.False(t, ok, "expected %q to be rejected", invalid)
	}
}

func TestRecordUploadAggregates(t *testing.T) {
	t.Parallel()

	m, err := monitor.Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	m.RecordUpload(42, "user", "movie.mkv", 1<<20)
	m.RecordUpload(42, "user", "song.flac", 1<<10)
	m.RecordUpload(7, "admin", "doc.pdf", 1<<10)

	stats := m.TodayStats()
	assert.Equal(t, 3, stats.UploadCount)
	assert.Equal(t, int64(1<<20+2<<10), stats.TotalBytes)
	assert.NotEmpty(t, stats.Date)
}

func TestSinksAreSeparateFiles(t *testing.T) {
	t.Parallel()

	m, err := monitor.Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	m.Info("starting up")
	m.LogActivity(42, "user", "submit", "https://example.com/a.bin")
	m.RecordUpload(42, "user", "a.bin", 512)

	system, err := m.Tail(monitor.KindSystem, 10)
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Equal(t, "starting up", gjson.Get(system[0], "message").Str)

	activity, err := m.Tail(monitor.KindActivity, 10)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, int64(42), gjson.Get(activity[0], "user_id").Int())
	assert.Equal(t, "submit", gjson.Get(activity[0], "action").Str)

	stats, err := m.Tail(monitor.KindStats, 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(512), gjson.Get(stats[0], "size_bytes").Int())
}

func TestTailLimitsLines(t *testing.T) {
	t.Parallel()

	m, err := monitor.Open(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 25; i++ {
		m.LogActivity(int64(i), "user", "ping", "")
	}

	lines, err := m.Tail(monitor.KindActivity, 10)
	require.NoError(t, err)
	require.Len(t, lines, 10)
	assert.Equal(t, int64(15), gjson.Get(lines[0], "user_id").Int(), "tail keeps the most recent lines")
}

func TestTailMissingSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := monitor.Open(dir)
	require.NoError(t, err)
	defer m.Close()

	lines, err := m.Tail(monitor.KindStats, 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
