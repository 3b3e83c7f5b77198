package ratelimit_test

import (
	"testing"
	"time"

	"github.com/pouyad/tgdup/ratelimit"
)

func TestFixedWindowDeniesOverLimit(t *testing.T) {
	t.Parallel()

	w := ratelimit.NewFixedWindow(2, time.Hour, 0)
	for i := 0; i < 2; i++ {
		if ok, _ := w.Allow("a"); !ok {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}
	ok, retryAfter := w.Allow("a")
	if ok {
		t.Fatal("expected third hit to be denied")
	}
	if retryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", retryAfter)
	}
	if ok, _ := w.Allow("b"); !ok {
		t.Error("keys must not interfere")
	}
}

func TestFixedWindowResets(t *testing.T) {
	t.Parallel()

	w := ratelimit.NewFixedWindow(1, 30*time.Millisecond, 0)
	if ok, _ := w.Allow("a"); !ok {
		t.Fatal("first hit should be allowed")
	}
	if ok, _ := w.Allow("a"); ok {
		t.Fatal("second hit within the window should be denied")
	}
	time.Sleep(50 * time.Millisecond)
	if ok, _ := w.Allow("a"); !ok {
		t.Error("hit after window reset should be allowed")
	}
}

func TestFixedWindowCooldownOutlastsWindow(t *testing.T) {
	t.Parallel()

	w := ratelimit.NewFixedWindow(1, 20*time.Millisecond, time.Hour)
	if ok, _ := w.Allow("a"); !ok {
		t.Fatal("first hit should be allowed")
	}
	if ok, retryAfter := w.Allow("a"); ok {
		t.Fatal("over-limit hit should be denied")
	} else if retryAfter < time.Hour-time.Second {
		t.Errorf("expected cooldown-sized retry-after, got %v", retryAfter)
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _ := w.Allow("a"); ok {
		t.Error("cooldown must hold across window resets")
	}
}

func TestCommandLimiterScopesPerUserAndCommand(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewCommandLimiter()
	for i := 0; i < ratelimit.TransferWindowLimit; i++ {
		if ok, _ := l.Allow(ratelimit.LimitTransfer, 42); !ok {
			t.Fatalf("transfer %d for user 42 should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ratelimit.LimitTransfer, 42); ok {
		t.Fatal("transfer over the limit should be denied")
	}
	if ok, _ := l.Allow(ratelimit.LimitTransfer, 7); !ok {
		t.Error("another user's transfers must not be affected")
	}
	if ok, _ := l.Allow("/status", 42); !ok {
		t.Error("plain commands must not share the transfer window")
	}
}
