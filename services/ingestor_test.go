package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"homewatch/alerting"
	"homewatch/models"
	"homewatch/notify"

	"go.uber.org/zap/zaptest"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen map[string][]int64
}

func (p *recordingProcessor) Process(_ context.Context, r models.Reading) (alerting.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string][]int64)
	}
	p.seen[r.SensorID] = append(p.seen[r.SensorID], r.SequenceNo)
	return alerting.Result{Outcome: alerting.OutcomeNoViolation}, nil
}

func reading(sensorID string, seq int64) models.Reading {
	return models.Reading{
		SensorID:   sensorID,
		SensorType: models.SensorTemperature,
		Room:       "kitchen",
		Value:      21.5,
		Timestamp:  time.Now(),
		SequenceNo: seq,
	}
}

func TestIngestorKeepsPerSensorOrder(t *testing.T) {
	proc := &recordingProcessor{}
	archive := make(chan models.Reading, 1000)
	in := NewIngestor(proc, IngestorOptions{Workers: 4, QueueSize: 8, Archive: archive, Logger: zaptest.NewLogger(t)})
	in.Start()

	ctx := context.Background()
	sensors := []string{"temp_kitchen", "temp_garage", "temp_bath"}
	for seq := int64(1); seq <= 50; seq++ {
		for _, id := range sensors {
			if err := in.Submit(ctx, "test", reading(id, seq)); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := in.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for _, id := range sensors {
		got := proc.seen[id]
		if len(got) != 50 {
			t.Fatalf("%s: expected 50 readings, got %d", id, len(got))
		}
		for i, seq := range got {
			if seq != int64(i+1) {
				t.Fatalf("%s: out of order at %d: %v", id, i, got)
			}
		}
	}
	if len(archive) != 150 {
		t.Fatalf("expected 150 archived readings, got %d", len(archive))
	}
}

func TestIngestorRejectsInvalidReading(t *testing.T) {
	in := NewIngestor(&recordingProcessor{}, IngestorOptions{Workers: 1, Logger: zaptest.NewLogger(t)})
	in.Start()
	defer in.Stop(context.Background())

	bad := reading("temp_kitchen", 1)
	bad.Room = ""
	if err := in.Submit(context.Background(), "test", bad); !errors.Is(err, models.ErrInvalidReading) {
		t.Fatalf("expected ErrInvalidReading, got %v", err)
	}
}

func TestIngestorSubmitAfterStop(t *testing.T) {
	in := NewIngestor(&recordingProcessor{}, IngestorOptions{Workers: 2, Logger: zaptest.NewLogger(t)})
	in.Start()
	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := in.Submit(context.Background(), "test", reading("temp_kitchen", 1)); !errors.Is(err, ErrIngestorStopped) {
		t.Fatalf("expected ErrIngestorStopped, got %v", err)
	}
	// second stop is harmless
	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestIngestorFeedsWatchdog(t *testing.T) {
	wd := NewSensorWatchdog(time.Minute, nil, zaptest.NewLogger(t))
	in := NewIngestor(&recordingProcessor{}, IngestorOptions{Workers: 2, Watchdog: wd, Logger: zaptest.NewLogger(t)})
	in.Start()
	for i := 0; i < 3; i++ {
		if err := in.Submit(context.Background(), "test", reading(fmt.Sprintf("temp_%d", i), 1)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := len(wd.Snapshot()); got != 3 {
		t.Fatalf("expected 3 watched sensors, got %d", got)
	}
}

type watchClock struct{ now time.Time }

func (c *watchClock) Now() time.Time { return c.now }

func TestSensorWatchdogTimeoutAndRecovery(t *testing.T) {
	clock := &watchClock{now: time.Now()}
	bc := &notify.MemoryBroadcaster{}
	wd := NewSensorWatchdog(2*time.Minute, bc, zaptest.NewLogger(t))
	wd.now = clock.Now

	var transitions []models.SensorHealthStatus
	wd.OnTransition(func(h models.SensorHealth) { transitions = append(transitions, h.Status) })

	wd.Observe(reading("co_garage", 1))
	clock.now = clock.now.Add(time.Minute)
	if n := wd.CheckTimeouts(); n != 0 {
		t.Fatalf("sensor is not stale yet, got %d timeouts", n)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if n := wd.CheckTimeouts(); n != 1 {
		t.Fatalf("expected 1 timeout, got %d", n)
	}
	if n := wd.CheckTimeouts(); n != 0 {
		t.Fatalf("timeout must be reported once, got %d", n)
	}
	h, _ := wd.SensorHealth("co_garage")
	if h.Status != models.SensorTimeout {
		t.Fatalf("expected timeout status, got %s", h.Status)
	}

	clock.now = clock.now.Add(time.Minute)
	wd.Observe(reading("co_garage", 2))
	h, _ = wd.SensorHealth("co_garage")
	if h.Status != models.SensorRecovered || h.LastReading.SequenceNo != 2 {
		t.Fatalf("unexpected health after recovery %+v", h)
	}

	if names := bc.Names(); len(names) != 2 || names[0] != EventSensorStatus || names[1] != EventSensorStatus {
		t.Fatalf("unexpected broadcasts %v", names)
	}
	if len(transitions) != 2 || transitions[0] != models.SensorTimeout || transitions[1] != models.SensorRecovered {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}
