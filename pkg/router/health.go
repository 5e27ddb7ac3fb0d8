package router

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 60 * time.Second
)

type targetHealth struct {
	consecutiveFailures int
	cooldownUntil       time.Time
}

// HealthTracker keeps per-target failure counters. A target whose
// consecutive hard failures reach the threshold enters cooldown and is not
// selected until the cooldown expires.
type HealthTracker struct {
	mu        sync.Mutex
	targets   map[string]*targetHealth
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewHealthTracker(threshold int, cooldown time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &HealthTracker{
		targets:   make(map[string]*targetHealth),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (h *HealthTracker) get(target string) *targetHealth {
	t, ok := h.targets[target]
	if !ok {
		t = &targetHealth{}
		h.targets[target] = t
	}
	return t
}

// RecordSuccess clears the failure streak and any cooldown.
func (h *HealthTracker) RecordSuccess(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.get(target)
	t.consecutiveFailures = 0
	t.cooldownUntil = time.Time{}
}

// RecordFailure bumps the streak; reaching the threshold starts a cooldown.
func (h *HealthTracker) RecordFailure(target string) {
	h.RecordFailures(target, 1)
}

// RecordFailures counts n hard failures at once. A send that exhausted its
// internal retries reports every underlying call so the target reaches
// cooldown instead of staying selectable.
func (h *HealthTracker) RecordFailures(target string, n int) {
	if n < 1 {
		n = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.get(target)
	t.consecutiveFailures += n
	if t.consecutiveFailures >= h.threshold {
		t.cooldownUntil = h.now().Add(h.cooldown)
	}
}

// Suspend puts a target in cooldown without touching the failure streak,
// used by rate limiting.
func (h *HealthTracker) Suspend(target string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.get(target)
	until := h.now().Add(d)
	if until.After(t.cooldownUntil) {
		t.cooldownUntil = until
	}
}

// InCooldown reports whether the target must not be selected right now.
func (h *HealthTracker) InCooldown(target string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.targets[target]
	if !ok {
		return false
	}
	return h.now().Before(t.cooldownUntil)
}

// Snapshot returns a point-in-time view for /status.
func (h *HealthTracker) Snapshot() map[string]HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]HealthStatus, len(h.targets))
	now := h.now()
	for name, t := range h.targets {
		out[name] = HealthStatus{
			ConsecutiveFailures: t.consecutiveFailures,
			InCooldown:          now.Before(t.cooldownUntil),
			CooldownUntil:       t.cooldownUntil,
		}
	}
	return out
}

type HealthStatus struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	InCooldown          bool      `json:"in_cooldown"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
}
