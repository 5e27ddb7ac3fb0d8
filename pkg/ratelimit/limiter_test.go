package ratelimit

import (
	"testing"
	"time"
)

func limiterAt(limit int, window time.Duration, now *time.Time) *Limiter {
	l := New(limit, window)
	l.now = func() time.Time { return *now }
	return l
}

func TestAllowWithinLimit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(3, time.Minute, &now)

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("k"); !ok {
			t.Fatalf("request %d denied under the limit", i)
		}
	}
	if got := l.Usage("k"); got != 3 {
		t.Errorf("usage = %d", got)
	}

	ok, retryAfter := l.Allow("k")
	if ok {
		t.Fatal("request over the limit allowed")
	}
	if retryAfter != time.Minute {
		t.Errorf("retryAfter = %v, want the full window", retryAfter)
	}
}

func TestWindowSlides(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := limiterAt(2, time.Minute, &now)

	l.Allow("k")
	now = now.Add(30 * time.Second)
	l.Allow("k")

	ok, retryAfter := l.Allow("k")
	if ok {
		t.Fatal("over the limit")
	}
	// The oldest hit frees its slot 30s from now.
	if retryAfter != 30*time.Second {
		t.Errorf("retryAfter = %v", retryAfter)
	}

	now = now.Add(31 * time.Second)
	if ok, _ := l.Allow("k"); !ok {
		t.Error("slot did not free after the oldest hit aged out")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	now := time.Now()
	l := limiterAt(1, time.Minute, &now)

	if ok, _ := l.Allow("a"); !ok {
		t.Fatal("first a denied")
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Error("b should have its own bucket")
	}
	if ok, _ := l.Allow("a"); ok {
		t.Error("second a should be denied")
	}
}

func TestReset(t *testing.T) {
	now := time.Now()
	l := limiterAt(1, time.Minute, &now)

	l.Allow("k")
	if ok, _ := l.Allow("k"); ok {
		t.Fatal("expected denial before Reset")
	}
	l.Reset("k")
	if ok, _ := l.Allow("k"); !ok {
		t.Error("denied after Reset")
	}
	if got := l.Usage("gone"); got != 0 {
		t.Errorf("usage for unknown key = %d", got)
	}
}
