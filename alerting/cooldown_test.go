package alerting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homewatch/models"

	"go.uber.org/zap/zaptest"
)

var coKey = models.CooldownKey{SensorID: "co_garage", SensorType: models.SensorCO, ViolationType: "above_max"}

func TestShouldSuppressAndRecord(t *testing.T) {
	tr := NewTracker(time.Minute, nil, zaptest.NewLogger(t))
	now := time.Now()

	if tr.ShouldSuppress(coKey, now, time.Minute) {
		t.Fatalf("unknown key must not be suppressed")
	}
	tr.Record(coKey, now)
	if !tr.ShouldSuppress(coKey, now.Add(59*time.Second), time.Minute) {
		t.Fatalf("expected suppression inside the window")
	}
	if tr.ShouldSuppress(coKey, now.Add(time.Minute), time.Minute) {
		t.Fatalf("window end is exclusive")
	}
}

func TestAllowWindow(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(5*time.Minute, nil, zaptest.NewLogger(t))
	now := time.Now()

	if ok, _ := tr.Allow(ctx, coKey, now); !ok {
		t.Fatalf("first alert must pass")
	}
	if ok, _ := tr.Allow(ctx, coKey, now.Add(time.Minute)); ok {
		t.Fatalf("second alert inside window must be suppressed")
	}
	other := coKey
	other.ViolationType = "below_min"
	if ok, _ := tr.Allow(ctx, other, now.Add(time.Minute)); !ok {
		t.Fatalf("different key must not be suppressed")
	}
	if ok, _ := tr.Allow(ctx, coKey, now.Add(5*time.Minute)); !ok {
		t.Fatalf("alert after the window must pass")
	}
}

func TestAllowIsAtomicPerKey(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(time.Hour, nil, zaptest.NewLogger(t))
	now := time.Now()

	var (
		passed atomic.Int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := tr.Allow(ctx, coKey, now); ok {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()
	if passed.Load() != 1 {
		t.Fatalf("exactly one concurrent evaluation may pass, got %d", passed.Load())
	}
}

func TestAllowSeedsFromLoader(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	calls := 0
	loader := func(_ context.Context, key models.CooldownKey, since time.Time) (time.Time, bool, error) {
		calls++
		if !since.Equal(now.Add(-10 * time.Minute)) {
			t.Errorf("unexpected since %v", since)
		}
		return now.Add(-time.Minute), true, nil
	}
	tr := NewTracker(10*time.Minute, loader, zaptest.NewLogger(t))

	if ok, _ := tr.Allow(ctx, coKey, now); ok {
		t.Fatalf("persisted recent alert should suppress")
	}
	if ok, _ := tr.Allow(ctx, coKey, now.Add(9*time.Minute)); !ok {
		t.Fatalf("window counts from the persisted alert")
	}
	if calls != 1 {
		t.Fatalf("loader should be consulted once per key, got %d", calls)
	}
}

func TestAllowLoaderError(t *testing.T) {
	boom := errors.New("store unreachable")
	tr := NewTracker(time.Minute, func(context.Context, models.CooldownKey, time.Time) (time.Time, bool, error) {
		return time.Time{}, false, boom
	}, zaptest.NewLogger(t))
	if _, err := tr.Allow(context.Background(), coKey, time.Now()); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(time.Minute, nil, zaptest.NewLogger(t))
	now := time.Now()

	stale := coKey
	stale.SensorID = "co_kitchen"
	_, _ = tr.Allow(ctx, stale, now.Add(-5*time.Minute))
	_, _ = tr.Allow(ctx, coKey, now)

	if n := tr.Sweep(now, 4*time.Minute); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
	if tr.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", tr.Len())
	}
	if ok, _ := tr.Allow(ctx, coKey, now.Add(time.Second)); ok {
		t.Fatalf("live entry must survive the sweep")
	}
	if ok, _ := tr.Allow(ctx, stale, now); !ok {
		t.Fatalf("swept key starts fresh")
	}
}
