package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homewatch/metrics"
	"homewatch/models"

	"go.uber.org/zap"
)

// DefaultCooldown is the minimum time between two alerts for the same sensor and condition
const DefaultCooldown = 300 * time.Second

// Gate decides whether a violation may produce an alert. Allow checks and records in one step.
type Gate interface {
	Allow(ctx context.Context, key models.CooldownKey, now time.Time) (bool, error)
}

// LastAlertLoader returns the time of the most recent alert for key created at or after since.
// Used to seed the tracker after a restart.
type LastAlertLoader func(ctx context.Context, key models.CooldownKey, since time.Time) (time.Time, bool, error)

type cooldownEntry struct {
	mu      sync.Mutex
	last    time.Time
	seeded  bool
	removed bool
}

// Tracker is an in-memory cooldown gate with one lock per key, so
// evaluations of different keys never contend.
type Tracker struct {
	cooldown time.Duration
	loader   LastAlertLoader
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[models.CooldownKey]*cooldownEntry
}

func NewTracker(cooldown time.Duration, loader LastAlertLoader, logger *zap.Logger) *Tracker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cooldown: cooldown,
		loader:   loader,
		logger:   logger,
		entries:  make(map[models.CooldownKey]*cooldownEntry),
	}
}

// Cooldown returns the configured window
func (t *Tracker) Cooldown() time.Duration { return t.cooldown }

// ShouldSuppress reports whether an alert for key was recorded less than cooldown before now
func (t *Tracker) ShouldSuppress(key models.CooldownKey, now time.Time, cooldown time.Duration) bool {
	e := t.lockEntry(key)
	defer e.mu.Unlock()
	return suppressed(e.last, now, cooldown)
}

// Record overwrites the last alert time for key
func (t *Tracker) Record(key models.CooldownKey, now time.Time) {
	e := t.lockEntry(key)
	e.last = now
	e.seeded = true
	e.mu.Unlock()
}

// Allow atomically checks the cooldown for key and records now when the alert may proceed
func (t *Tracker) Allow(ctx context.Context, key models.CooldownKey, now time.Time) (bool, error) {
	e := t.lockEntry(key)
	defer e.mu.Unlock()

	if !e.seeded && t.loader != nil {
		last, found, err := t.loader(ctx, key, now.Add(-t.cooldown))
		if err != nil {
			return false, fmt.Errorf("load cooldown for %s: %w", key, err)
		}
		if found && last.After(e.last) {
			e.last = last
		}
	}
	e.seeded = true

	if suppressed(e.last, now, t.cooldown) {
		return false, nil
	}
	e.last = now
	return true, nil
}

// Sweep drops entries whose last alert is older than maxAge and returns how many were removed.
// Entries that are busy are left for the next sweep.
func (t *Tracker) Sweep(now time.Time, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.last) >= maxAge {
			e.removed = true
			delete(t.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	metrics.CooldownEntries.Set(float64(len(t.entries)))
	if removed > 0 {
		t.logger.Debug("Swept cooldown entries", zap.Int("removed", removed), zap.Int("remaining", len(t.entries)))
	}
	return removed
}

// Len returns the number of tracked keys
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// lockEntry returns the entry for key with its mutex held, creating it if needed
func (t *Tracker) lockEntry(key models.CooldownKey) *cooldownEntry {
	for {
		t.mu.Lock()
		e, ok := t.entries[key]
		if !ok {
			e = &cooldownEntry{}
			t.entries[key] = e
			metrics.CooldownEntries.Set(float64(len(t.entries)))
		}
		t.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// swept between lookup and lock; retry with a fresh entry
		e.mu.Unlock()
	}
}

func suppressed(last, now time.Time, cooldown time.Duration) bool {
	return !last.IsZero() && now.Sub(last) < cooldown
}
