package main

import (
	"fmt"
	"strings"

	"github.com/pouyad/tgdup/access"
	"github.com/pouyad/tgdup/monitor"
	"github.com/pouyad/tgdup/task"
)

const progressBarWidth = 12

const startText = `👋 Hi! Send me a direct link, a Dropbox link, or a file, and I will copy it into your Google Drive.

Run /auth first to connect your Drive account. /help lists everything I understand.`

const helpText = `📖 Commands:
/start - welcome message
/help - this text
/update - recent changes
/auth - connect your Google Drive
/revoke - disconnect your Google Drive
/status - your transfer, or today's totals for admins
/mystatus - your transfer only
/cancel - abort your running transfer
/ping - liveness check
/users - list known users (admin)
/logs [system|activity|stats] - tail a log (admin)
/adduser <id> <role> - assign a role (super admin)
/removeuser <id> - drop a role assignment (super admin)

Anything else that looks like a link or a file starts a transfer.`

const updateText = `🆕 Recent changes:
- Progress bars on transfer status messages
- Drive tokens are now encrypted on disk
- Per-user command rate limits
- Admin activity logs and daily totals`

func progressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := progressBarWidth * percent / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// renderSnapshot builds the status message text for one task snapshot.
func renderSnapshot(s task.Snapshot) string {
	switch s.State {
	case task.StateQueued:
		return fmt.Sprintf("🚀 Queued\nFile: %s", orUnknown(s.FileName))
	case task.StateResolving:
		return "🔍 Resolving source..."
	case task.StateDownloading:
		return renderTransfer("📥 Downloading", s)
	case task.StateUploading:
		return renderTransfer("☁️ Uploading to Drive", s)
	case task.StateCompleted:
		link := ""
		if s.Result != nil {
			link = s.Result.Link
		}
		return fmt.Sprintf("✅ Done!\nFile: %s\nSize: %s\nLink: %s", orUnknown(s.FileName), formatBytes(s.BytesTotal), link)
	case task.StateCancelled:
		return "🚫 Transfer canceled."
	case task.StateFailed:
		return renderFailure(s.Error)
	default:
		return string(s.State)
	}
}

func renderTransfer(stage string, s task.Snapshot) string {
	if percent := s.Percent(); percent >= 0 {
		return fmt.Sprintf(
			"%s\nFile: %s\n%s %d%%\n%s / %s",
			stage, orUnknown(s.FileName), progressBar(percent), percent,
			formatBytes(s.BytesTransferred), formatBytes(s.BytesTotal),
		)
	}
	return fmt.Sprintf("%s\nFile: %s\n%s transferred", stage, orUnknown(s.FileName), formatBytes(s.BytesTransferred))
}

// renderFailure maps the failure taxonomy onto stable user-facing texts.
// Only AuthRequired carries an actionable instruction.
func renderFailure(info *task.ErrorInfo) string {
	if info == nil {
		return "❌ Transfer failed."
	}
	switch info.Kind {
	case task.KindInvalidSource:
		return "❌ That does not look like a link I can download. Send a direct URL, a Dropbox link, or a file."
	case task.KindNetworkError:
		return "❌ The transfer failed on a network error. Try again in a bit."
	case task.KindQuotaExceeded:
		return "❌ A rate or storage quota was hit. Wait a while before retrying."
	case task.KindAuthRequired:
		return "❌ Your Google Drive authorization is missing or expired. Run /auth to reconnect, then resend the file."
	case task.KindCancelled:
		return "🚫 Transfer canceled."
	default:
		return "❌ The transfer failed unexpectedly. The details were recorded."
	}
}

func renderStats(stats monitor.DailyStats) string {
	return fmt.Sprintf(
		"📊 Today (%s)\nUploads: %d\nVolume: %s",
		stats.Date, stats.UploadCount, formatBytes(stats.TotalBytes),
	)
}

func renderUsers(users []access.User) string {
	if len(users) == 0 {
		return "No users are registered."
	}
	var b strings.Builder
	b.WriteString("👥 Users:\n")
	for _, u := range users {
		fmt.Fprintf(&b, "%d - %s\n", u.ID, u.Role)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
