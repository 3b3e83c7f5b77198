package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/iyear/tdl/core/dcpool"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/access"
	"github.com/pouyad/tgdup/drive"
	"github.com/pouyad/tgdup/drive/auth"
	"github.com/pouyad/tgdup/errutil"
	"github.com/pouyad/tgdup/log"
	"github.com/pouyad/tgdup/monitor"
	"github.com/pouyad/tgdup/ratelimit"
	"github.com/pouyad/tgdup/source"
	"github.com/pouyad/tgdup/task"
	"github.com/pouyad/tgdup/tgutil"
	"github.com/pouyad/tgdup/waitqueue"
)

type Worker struct {
	sender     *message.Sender
	controller *task.Controller
	users      *access.Store
	monitor    *monitor.Monitor
	drive      *drive.Drive
	authMan    *auth.Manager
	pool       dcpool.Pool
	waitq      *waitqueue.WaitQueue
	limits     *ratelimit.CommandLimiter
	logger     zerolog.Logger
}

func buildOnMessage(w *Worker, msgCtx context.Context) func(context.Context, tg.Entities, *tg.UpdateNewMessage) error {
	return func(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
		m, ok := update.Message.(*tg.Message)
		if !ok || m.Out {
			return nil
		}
		peer, ok := m.PeerID.(*tg.PeerUser)
		if !ok {
			return nil
		}
		userID := peer.UserID
		role := w.users.RoleOf(userID)
		reply := w.sender.Reply(e, update)
		msg := strings.TrimSpace(m.Message)

		if media, ok := m.GetMedia(); ok {
			file, ok := source.MediaFile(media)
			if !ok {
				w.replyText(msgCtx, reply, "I can only relay documents and photos.")
				return nil
			}
			if !w.allowRate(msgCtx, reply, userID, role, ratelimit.LimitTransfer) {
				return nil
			}
			desc := &source.Descriptor{ //nolint:exhaustruct
				Kind:     source.KindTelegramFile,
				FileName: file.Name,
				Telegram: file,
			}
			w.submit(ctx, msgCtx, e, reply, userID, role, func(onUpdate func(task.Snapshot)) (string, error) {
				return w.controller.SubmitFile(ctx, userID, desc, onUpdate)
			})
			return nil
		}

		fields := strings.Fields(msg)
		if len(fields) == 0 {
			return nil
		}

		if strings.HasPrefix(fields[0], "/") {
			key := fields[0]
			if key == "/auth" {
				key = ratelimit.LimitAuth
			}
			if !w.allowRate(msgCtx, reply, userID, role, key) {
				return nil
			}
		}

		switch fields[0] {
		case "/start":
			w.replyText(msgCtx, reply, startText)
			return nil
		case "/help":
			w.replyText(msgCtx, reply, helpText)
			return nil
		case "/update":
			w.replyText(msgCtx, reply, updateText)
			return nil
		case "/ping":
			w.replyText(msgCtx, reply, "🏓 pong")
			return nil
		case "/auth":
			w.handleAuth(msgCtx, reply, userID, role)
			return nil
		case "/revoke":
			w.handleRevoke(ctx, msgCtx, reply, userID, role)
			return nil
		case "/status":
			w.handleStatus(msgCtx, reply, userID, role)
			return nil
		case "/mystatus":
			w.handleMyStatus(msgCtx, reply, userID)
			return nil
		case "/cancel":
			w.handleCancel(msgCtx, reply, userID, role)
			return nil
		case "/users":
			if !w.requireRole(msgCtx, reply, userID, role, access.RoleAdmin, "list_users") {
				return nil
			}
			w.replyText(msgCtx, reply, renderUsers(w.users.List()))
			return nil
		case "/adduser":
			if !w.requireRole(msgCtx, reply, userID, role, access.RoleSuperAdmin, "add_user") {
				return nil
			}
			w.handleAddUser(msgCtx, reply, userID, role, fields[1:])
			return nil
		case "/removeuser":
			if !w.requireRole(msgCtx, reply, userID, role, access.RoleSuperAdmin, "remove_user") {
				return nil
			}
			w.handleRemoveUser(msgCtx, reply, userID, role, fields[1:])
			return nil
		case "/logs":
			if !w.requireRole(msgCtx, reply, userID, role, access.RoleAdmin, "view_logs") {
				return nil
			}
			w.handleLogs(msgCtx, reply, fields[1:])
			return nil
		}

		if auth.IsAuthCode(msg) {
			if !w.allowRate(msgCtx, reply, userID, role, ratelimit.LimitAuth) {
				return nil
			}
			w.handleAuthCode(ctx, msgCtx, reply, userID, role, msg)
			return nil
		}

		if !w.allowRate(msgCtx, reply, userID, role, ratelimit.LimitTransfer) {
			return nil
		}
		w.submit(ctx, msgCtx, e, reply, userID, role, func(onUpdate func(task.Snapshot)) (string, error) {
			return w.controller.Submit(ctx, userID, msg, onUpdate)
		})
		return nil
	}
}

type submitFn func(onUpdate func(task.Snapshot)) (string, error)

func (w *Worker) submit(ctx context.Context, msgCtx context.Context, e tg.Entities, reply *message.Builder, userID int64, role access.Role, start submitFn) {
	authorized, err := w.drive.IsAuthorized(userID)
	if nil != err {
		w.logger.Error().Func(log.Flaw(err)).Msg("Failed to check Drive authorization")
		w.replyText(msgCtx, reply, "Something went wrong while checking your Drive authorization. Try again.")
		return
	}
	if !authorized {
		lines := []styling.StyledTextOption{
			styling.Plain("Your Google Drive is not connected yet."),
			styling.Plain("\n"),
			styling.Plain("Run "),
			styling.BotCommand("/auth"),
			styling.Plain(" first, then resend the link or file."),
		}
		w.replyStyled(msgCtx, reply, lines...)
		return
	}

	u, ok := e.Users[userID]
	if !ok {
		w.logger.Error().Int64("user_id", userID).Msg("Sender entity was not attached to the update")
		return
	}
	inputPeer := &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}

	upd, err := reply.Text(msgCtx, "🚀 Queued")
	if nil != err {
		if errutil.IsContext(msgCtx) {
			return
		}
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		w.logger.Error().Func(log.Flaw(flaw.From(err).Append(flawP))).Msg("Failed to send status message")
		return
	}
	statusMsgID, ok := tgutil.SentMessageID(upd)
	if !ok {
		w.logger.Error().Msg("Could not extract sent status message id from updates")
		return
	}

	taskID, err := start(w.statusUpdater(msgCtx, inputPeer, statusMsgID, userID, role))
	if nil != err {
		if errAlreadyActive := new(task.AlreadyActiveError); errors.As(err, &errAlreadyActive) {
			lines := []styling.StyledTextOption{
				styling.Plain("You already have a transfer in flight."),
				styling.Plain("\n"),
				styling.Plain("Cancel it with "),
				styling.BotCommand("/cancel"),
				styling.Plain(" or wait for it to finish."),
			}
			w.editStatus(msgCtx, inputPeer, statusMsgID, "⏳ Not started.")
			w.replyStyled(msgCtx, reply, lines...)
			w.monitor.LogActivity(userID, string(role), "transfer_rejected", "already active")
			return
		}
		w.logger.Error().Func(log.Flaw(err)).Msg("Failed to admit transfer")
		w.replyText(msgCtx, reply, "Something went wrong while starting the transfer. Try again.")
		return
	}
	w.monitor.LogActivity(userID, string(role), "transfer_started", taskID)
}

// statusUpdater drives the single status message of a transfer. Edits go
// through the wait queue so bot-wide sends stay within Telegram flood limits,
// with a small jitter sleep between consecutive edits of the same message.
func (w *Worker) statusUpdater(msgCtx context.Context, peer tg.InputPeerClass, msgID int, userID int64, role access.Role) func(task.Snapshot) {
	return func(s task.Snapshot) {
		w.editStatus(msgCtx, peer, msgID, renderSnapshot(s))
		time.Sleep(ratelimit.StatusEditSleep())

		switch s.State {
		case task.StateCompleted:
			w.monitor.RecordUpload(userID, string(role), s.FileName, s.BytesTotal)
			w.monitor.LogActivity(userID, string(role), "transfer_completed", s.FileName)
		case task.StateCancelled:
			w.monitor.LogActivity(userID, string(role), "transfer_canceled", s.FileName)
		case task.StateFailed:
			detail := "unknown"
			if s.Error != nil {
				detail = string(s.Error.Kind)
			}
			w.monitor.LogActivity(userID, string(role), "transfer_failed", detail)
			if s.Error != nil && s.Error.Kind == task.KindUnknown && s.Error.Cause != nil {
				w.sendFlawReport(msgCtx, peer, s.Error.Cause)
			}
		}
	}
}

func (w *Worker) editStatus(msgCtx context.Context, peer tg.InputPeerClass, msgID int, text string) {
	if text == "" {
		return
	}
	err := w.waitq.SendSingle(msgCtx, func() error {
		_, err := w.sender.To(peer).Edit(msgID).Text(msgCtx, text)
		return err
	})
	if nil != err {
		if errutil.IsContext(msgCtx) {
			return
		}
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		w.logger.Error().Func(log.Flaw(flaw.From(err).Append(flawP))).Msg("Failed to edit status message")
	}
}

// sendFlawReport attaches the full flaw record of an unclassified failure as
// a YAML document, as plain text would exceed the message length limit.
func (w *Worker) sendFlawReport(msgCtx context.Context, peer tg.InputPeerClass, cause error) {
	var f *flaw.Flaw
	if !errors.As(cause, &f) {
		f = flaw.From(cause)
	}
	flawBytes, err := errutil.FlawToYAML(f)
	if nil != err {
		w.logger.Error().Func(log.Flaw(err)).Msg("Failed to convert flaw to YAML")
		return
	}

	up := uploader.NewUploader(w.pool.Default(msgCtx))
	upload, err := up.FromReader(msgCtx, "flaw.yaml", bytes.NewReader(flawBytes))
	if nil != err {
		if errutil.IsContext(msgCtx) {
			return
		}
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		w.logger.Error().Func(log.Flaw(flaw.From(err).Append(flawP))).Msg("Failed to upload flaw report")
		return
	}
	document := message.UploadedDocument(upload)
	document.
		MIME("application/yaml").
		Attributes(
			&tg.DocumentAttributeFilename{
				FileName: fmt.Sprintf("flaw-%s.yaml", time.Now().Format("2006-01-02-15-04-05")),
			},
		).
		ForceFile(true)
	if _, err := w.sender.To(peer).Media(msgCtx, document); nil != err {
		if errutil.IsContext(msgCtx) {
			return
		}
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		w.logger.Error().Func(log.Flaw(flaw.From(err).Append(flawP))).Msg("Failed to send flaw report")
	}
}

func (w *Worker) handleAuth(msgCtx context.Context, reply *message.Builder, userID int64, role access.Role) {
	lines := []styling.StyledTextOption{
		styling.Plain("Visit the following link and grant access to your Google Drive:"),
		styling.Plain("\n"),
		styling.URL(w.authMan.AuthorizationURL()),
		styling.Plain("\n"),
		styling.Plain("\n"),
		styling.Plain("Then send me the code Google shows you."),
	}
	w.replyStyled(msgCtx, reply, lines...)
	w.monitor.LogActivity(userID, string(role), "auth_started", "")
}

func (w *Worker) handleAuthCode(ctx context.Context, msgCtx context.Context, reply *message.Builder, userID int64, role access.Role, code string) {
	if err := w.authMan.CompleteAuthorization(ctx, userID, code); nil != err {
		switch {
		case errutil.IsContext(ctx):
			return
		case errors.Is(err, auth.ErrUnauthorized):
			w.replyText(msgCtx, reply, "Google rejected that code. Run /auth again and send a fresh one.")
			w.monitor.LogActivity(userID, string(role), "auth_failed", "code rejected")
			return
		case errors.Is(err, context.DeadlineExceeded):
			w.replyText(msgCtx, reply, "Google took too long to answer. Send the code again in a moment.")
			w.monitor.LogActivity(userID, string(role), "auth_failed", "exchange timed out")
			return
		case errutil.IsFlaw(err):
			w.logger.Error().Func(log.Flaw(err)).Msg("Drive authorization failed")
			w.replyText(msgCtx, reply, "Connecting your Drive failed unexpectedly. Try /auth again.")
			w.monitor.LogActivity(userID, string(role), "auth_failed", "unexpected")
			return
		default:
			panic(errutil.UnknownError(err))
		}
	}
	w.replyText(msgCtx, reply, "✅ Google Drive connected. Send me a link or a file.")
	w.monitor.LogActivity(userID, string(role), "auth_completed", "")
}

func (w *Worker) handleRevoke(ctx context.Context, msgCtx context.Context, reply *message.Builder, userID int64, role access.Role) {
	a, err := w.authMan.Load(userID)
	if nil != err {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			w.replyText(msgCtx, reply, "No Google Drive is connected for your account.")
			return
		case errutil.IsFlaw(err):
			w.logger.Error().Func(log.Flaw(err)).Msg("Failed to load Drive credentials")
			w.replyText(msgCtx, reply, "Something went wrong while loading your credentials. Try again.")
			return
		default:
			panic(errutil.UnknownError(err))
		}
	}
	if err := a.Revoke(ctx); nil != err {
		switch {
		case errutil.IsContext(ctx):
			return
		case errutil.IsFlaw(err):
			w.logger.Error().Func(log.Flaw(err)).Msg("Failed to revoke Drive credentials")
			w.replyText(msgCtx, reply, "Revoking the authorization failed. Try again.")
			return
		default:
			panic(errutil.UnknownError(err))
		}
	}
	w.replyText(msgCtx, reply, "🔌 Google Drive disconnected. Run /auth whenever you want to reconnect.")
	w.monitor.LogActivity(userID, string(role), "auth_revoked", "")
}

func (w *Worker) handleStatus(msgCtx context.Context, reply *message.Builder, userID int64, role access.Role) {
	if snap, ok := w.controller.Status(userID); ok && !snap.State.Terminal() {
		w.replyText(msgCtx, reply, renderSnapshot(snap))
		return
	}
	if role.AtLeast(access.RoleAdmin) {
		stats := w.monitor.TodayStats()
		w.replyText(msgCtx, reply, fmt.Sprintf("%s\nActive transfers: %d", renderStats(stats), w.controller.ActiveCount()))
		return
	}
	w.replyText(msgCtx, reply, "You have no active transfer.")
}

func (w *Worker) handleMyStatus(msgCtx context.Context, reply *message.Builder, userID int64) {
	snap, ok := w.controller.Status(userID)
	if !ok {
		w.replyText(msgCtx, reply, "No transfers on record for you yet.")
		return
	}
	w.replyText(msgCtx, reply, renderSnapshot(snap))
}

func (w *Worker) handleCancel(msgCtx context.Context, reply *message.Builder, userID int64, role access.Role) {
	if !w.controller.Cancel(userID) {
		w.replyText(msgCtx, reply, "No transfer is running.")
		return
	}
	w.replyText(msgCtx, reply, "🚫 Cancel requested.")
	w.monitor.LogActivity(userID, string(role), "cancel_requested", "")
}

func (w *Worker) handleAddUser(msgCtx context.Context, reply *message.Builder, actorID int64, actorRole access.Role, args []string) {
	if len(args) != 2 {
		w.replyText(msgCtx, reply, "Usage: /adduser <id> <user|admin|super_admin>")
		return
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if nil != err {
		w.replyText(msgCtx, reply, fmt.Sprintf("%q is not a numeric Telegram user id.", args[0]))
		return
	}
	targetRole, err := access.ParseRole(args[1])
	if nil != err {
		w.replyText(msgCtx, reply, err.Error())
		return
	}
	if err := w.users.SetRole(targetID, targetRole); nil != err {
		switch {
		case errors.Is(err, access.ErrImmutableSuperAdmin):
			w.replyText(msgCtx, reply, "That user is a configured super admin and cannot be reassigned.")
			return
		case errutil.IsFlaw(err):
			w.logger.Error().Func(log.Flaw(err)).Msg("Failed to persist role assignment")
			w.replyText(msgCtx, reply, "Saving the role assignment failed. Nothing was changed.")
			return
		default:
			panic(errutil.UnknownError(err))
		}
	}
	w.replyText(msgCtx, reply, fmt.Sprintf("✅ %d is now %s.", targetID, targetRole))
	w.monitor.LogActivity(actorID, string(actorRole), "role_assigned", fmt.Sprintf("%d=%s", targetID, targetRole))
}

func (w *Worker) handleRemoveUser(msgCtx context.Context, reply *message.Builder, actorID int64, actorRole access.Role, args []string) {
	if len(args) != 1 {
		w.replyText(msgCtx, reply, "Usage: /removeuser <id>")
		return
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if nil != err {
		w.replyText(msgCtx, reply, fmt.Sprintf("%q is not a numeric Telegram user id.", args[0]))
		return
	}
	removed, err := w.users.Remove(targetID)
	if nil != err {
		switch {
		case errors.Is(err, access.ErrImmutableSuperAdmin):
			w.replyText(msgCtx, reply, "That user is a configured super admin and cannot be removed.")
			return
		case errutil.IsFlaw(err):
			w.logger.Error().Func(log.Flaw(err)).Msg("Failed to persist role removal")
			w.replyText(msgCtx, reply, "Saving the removal failed. Nothing was changed.")
			return
		default:
			panic(errutil.UnknownError(err))
		}
	}
	if !removed {
		w.replyText(msgCtx, reply, fmt.Sprintf("%d had no stored role.", targetID))
		return
	}
	w.replyText(msgCtx, reply, fmt.Sprintf("🗑 %d was removed.", targetID))
	w.monitor.LogActivity(actorID, string(actorRole), "role_removed", args[0])
}

func (w *Worker) handleLogs(msgCtx context.Context, reply *message.Builder, args []string) {
	if len(args) != 1 {
		w.replyText(msgCtx, reply, "Usage: /logs <system|activity|stats>")
		return
	}
	kind, ok := monitor.ParseKind(args[0])
	if !ok {
		w.replyText(msgCtx, reply, fmt.Sprintf("%q is not a known log kind. Use system, activity, or stats.", args[0]))
		return
	}
	lines, err := w.monitor.Tail(kind, 20)
	if nil != err {
		w.logger.Error().Func(log.Flaw(err)).Msg("Failed to read log sink")
		w.replyText(msgCtx, reply, "Reading the log sink failed.")
		return
	}
	if len(lines) == 0 {
		w.replyText(msgCtx, reply, "The sink is empty.")
		return
	}
	w.replyStyled(msgCtx, reply, styling.Code(strings.Join(lines, "\n")))
}

// allowRate charges one hit against the user's budget for the command,
// replying with the wait time on denial.
func (w *Worker) allowRate(msgCtx context.Context, reply *message.Builder, userID int64, role access.Role, command string) bool {
	ok, retryAfter := w.limits.Allow(command, userID)
	if ok {
		return true
	}
	wait := retryAfter.Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	w.replyText(msgCtx, reply, fmt.Sprintf("🛑 Slow down. Try again in %s.", wait))
	w.monitor.LogActivity(userID, string(role), "rate_limited", command)
	return false
}

func (w *Worker) requireRole(msgCtx context.Context, reply *message.Builder, userID int64, role access.Role, required access.Role, action string) bool {
	if role.AtLeast(required) {
		w.monitor.LogActivity(userID, string(role), action, "allowed")
		return true
	}
	w.monitor.LogActivity(userID, string(role), action, "denied")
	w.replyText(msgCtx, reply, "⛔ You are not allowed to do that.")
	return false
}

func (w *Worker) replyText(msgCtx context.Context, reply *message.Builder, text string) {
	if _, err := reply.Text(msgCtx, text); nil != err {
		if errutil.IsContext(msgCtx) {
			return
		}
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		w.logger.Error().Func(log.Flaw(flaw.From(err).Append(flawP))).Msg("Failed to send reply")
	}
}

func (w *Worker) replyStyled(msgCtx context.Context, reply *message.Builder, lines ...styling.StyledTextOption) {
	if _, err := reply.StyledText(msgCtx, lines...); nil != err {
		if errutil.IsContext(msgCtx) {
			return
		}
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		w.logger.Error().Func(log.Flaw(flaw.From(err).Append(flawP))).Msg("Failed to send reply")
	}
}
