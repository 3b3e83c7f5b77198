package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// FixedWindow is a fixed window counter keyed by caller-chosen strings, with
// an optional cooldown that starts once a window's limit is exceeded.
type FixedWindow struct {
	limit    int
	interval time.Duration
	cooldown time.Duration
	now      func() time.Time
	mux      sync.Mutex
	windows  map[string]windowState
}

type windowState struct {
	count         int
	resetAt       time.Time
	cooldownUntil time.Time
}

func NewFixedWindow(limit int, interval, cooldown time.Duration) *FixedWindow {
	if limit <= 0 {
		panic("ratelimit: window limit must be positive")
	}
	if interval <= 0 {
		panic("ratelimit: window interval must be positive")
	}
	return &FixedWindow{ //nolint:exhaustruct
		limit:    limit,
		interval: interval,
		cooldown: cooldown,
		now:      time.Now,
		windows:  make(map[string]windowState),
	}
}

// Allow records one hit for the key and reports whether it fits the window.
// A denied hit carries the duration after which a retry can succeed.
func (w *FixedWindow) Allow(key string) (bool, time.Duration) {
	now := w.now()

	w.mux.Lock()
	defer w.mux.Unlock()

	state, ok := w.windows[key]
	if !ok || !now.Before(state.resetAt) {
		state = windowState{count: 0, resetAt: now.Add(w.interval), cooldownUntil: state.cooldownUntil}
	}
	if now.Before(state.cooldownUntil) {
		w.windows[key] = state
		return false, state.cooldownUntil.Sub(now)
	}

	state.count++
	if state.count > w.limit {
		if w.cooldown > 0 && state.cooldownUntil.Before(now.Add(w.cooldown)) {
			state.cooldownUntil = now.Add(w.cooldown)
		}
		retryAt := state.resetAt
		if state.cooldownUntil.After(retryAt) {
			retryAt = state.cooldownUntil
		}
		w.windows[key] = state
		return false, retryAt.Sub(now)
	}

	w.windows[key] = state
	return true, 0
}

// Per-user command budgets. Transfers get the tightest window since each one
// occupies the owner's single task slot and real bandwidth; the fallback
// window bounds plain command chatter.
const (
	TransferWindowLimit    = 6
	TransferWindow         = time.Minute
	TransferWindowCooldown = 30 * time.Second

	AuthWindowLimit = 4
	AuthWindow      = 10 * time.Minute

	CommandWindowLimit = 20
	CommandWindow      = time.Minute
)

// LimitTransfer and LimitAuth are the CommandLimiter keys with dedicated
// windows; any other key falls back to the shared command window.
const (
	LimitTransfer = "transfer"
	LimitAuth     = "auth"
)

// CommandLimiter applies per-user fixed windows to bot commands.
type CommandLimiter struct {
	perCommand map[string]*FixedWindow
	fallback   *FixedWindow
}

func NewCommandLimiter() *CommandLimiter {
	return &CommandLimiter{
		perCommand: map[string]*FixedWindow{
			LimitTransfer: NewFixedWindow(TransferWindowLimit, TransferWindow, TransferWindowCooldown),
			LimitAuth:     NewFixedWindow(AuthWindowLimit, AuthWindow, 0),
		},
		fallback: NewFixedWindow(CommandWindowLimit, CommandWindow, 0),
	}
}

// Allow reports whether the user may run the command now, and how long to
// wait otherwise. Windows of distinct commands do not interfere.
func (l *CommandLimiter) Allow(command string, userID int64) (bool, time.Duration) {
	w, ok := l.perCommand[command]
	if !ok {
		w = l.fallback
	}
	return w.Allow(fmt.Sprintf("%s:%d", command, userID))
}
