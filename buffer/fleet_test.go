package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"homewatch/models"

	"go.uber.org/zap/zaptest"
)

func newTestFleet(t *testing.T, pub Publisher) *Fleet {
	t.Helper()
	return NewFleet(pub, Options{Capacity: 10, PublishTimeout: time.Second, Logger: zaptest.NewLogger(t)})
}

func sensorReading(id, room string, st models.SensorType, v float64) models.Reading {
	return models.Reading{SensorID: id, Room: room, SensorType: st, Value: v, Timestamp: time.Now()}
}

func TestFleetRejectsInvalidReading(t *testing.T) {
	f := newTestFleet(t, &fakePublisher{})
	err := f.Enqueue(context.Background(), models.Reading{SensorID: "x", Room: "kitchen", SensorType: "pressure", Value: 1, Timestamp: time.Now()})
	if !errors.Is(err, models.ErrInvalidReading) {
		t.Fatalf("expected ErrInvalidReading, got %v", err)
	}
	if len(f.Statuses()) != 0 {
		t.Fatalf("invalid reading must not register an endpoint")
	}
}

func TestFleetKeepsSensorsIndependent(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	pub.fail = func(p models.ReadingPayload) bool { return p.SensorID == "co_kitchen" }
	f := newTestFleet(t, pub)

	for i := 0; i < 3; i++ {
		if err := f.Enqueue(ctx, sensorReading("co_kitchen", "kitchen", models.SensorCO, 10)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := f.Enqueue(ctx, sensorReading("hum_bedroom", "bedroom", models.SensorHumidity, 45)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	st := f.Statuses()
	if len(st) != 2 || st[0].SensorID != "co_kitchen" || st[1].SensorID != "hum_bedroom" {
		t.Fatalf("unexpected statuses %+v", st)
	}
	if st[0].IsOnline || st[0].BufferedReadings != 3 {
		t.Fatalf("failing sensor should buffer: %+v", st[0])
	}
	if !st[1].IsOnline || st[1].Forwarded != 3 {
		t.Fatalf("healthy sensor should forward: %+v", st[1])
	}
}

func TestFleetRejectsRoomMismatch(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t, &fakePublisher{})
	if err := f.Enqueue(ctx, sensorReading("temp_1", "kitchen", models.SensorTemperature, 21)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := f.Enqueue(ctx, sensorReading("temp_1", "garage", models.SensorTemperature, 21)); !errors.Is(err, models.ErrInvalidReading) {
		t.Fatalf("expected ErrInvalidReading, got %v", err)
	}
}

func TestFleetProbeAndFlush(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{fail: alwaysFail}
	f := newTestFleet(t, pub)
	for i := 0; i < 4; i++ {
		_ = f.Enqueue(ctx, sensorReading("temp_1", "kitchen", models.SensorTemperature, float64(20+i)))
		_ = f.Enqueue(ctx, sensorReading("temp_2", "office", models.SensorTemperature, float64(20+i)))
	}

	if n := f.ProbeOffline(ctx); n != 0 {
		t.Fatalf("probe against a dead broker should forward nothing, got %d", n)
	}

	pub.setFail(nil)
	if n := f.ProbeOffline(ctx); n != 8 {
		t.Fatalf("expected probe plus drain to forward 8, got %d", n)
	}
	for _, st := range f.Statuses() {
		if !st.IsOnline || st.BufferedReadings != 0 {
			t.Fatalf("expected drained online endpoint, got %+v", st)
		}
	}

	pub.setFail(alwaysFail)
	_ = f.Enqueue(ctx, sensorReading("temp_1", "kitchen", models.SensorTemperature, 30))
	f.FlushAll(ctx)
	for _, st := range f.Statuses() {
		if st.BufferedReadings != 0 {
			t.Fatalf("flush must empty every buffer, got %+v", st)
		}
	}
}

func TestFleetSetOnlineStatus(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	f := newTestFleet(t, pub)
	_ = f.Enqueue(ctx, sensorReading("temp_1", "kitchen", models.SensorTemperature, 20))
	_ = f.Enqueue(ctx, sensorReading("temp_2", "office", models.SensorTemperature, 20))
	if got := len(pub.sequences()); got != 2 {
		t.Fatalf("expected 2 immediate sends, got %d", got)
	}

	f.SetOnlineStatus(ctx, false)
	_ = f.Enqueue(ctx, sensorReading("temp_1", "kitchen", models.SensorTemperature, 21))
	_ = f.Enqueue(ctx, sensorReading("temp_2", "office", models.SensorTemperature, 21))

	if n := f.SetOnlineStatus(ctx, true); n != 2 {
		t.Fatalf("expected 2 forwarded, got %d", n)
	}
}
