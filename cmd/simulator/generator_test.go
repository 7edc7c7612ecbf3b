package main

import (
	"testing"
	"time"

	"homewatch/models"
)

func TestGeneratorStaysInBandWithoutSpikes(t *testing.T) {
	g := NewGenerator("Living Room", models.SensorHumidity, 0, 1)
	if g.SensorID != "humidity_living_room" || g.Room != "living room" {
		t.Fatalf("unexpected identity %s / %s", g.SensorID, g.Room)
	}

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		r := g.Next(start.Add(time.Duration(i) * 3 * time.Minute))
		if err := r.Validate(); err != nil {
			t.Fatalf("invalid reading: %v", err)
		}
		if r.Value < 30 || r.Value > 70 {
			t.Fatalf("reading %d out of band: %v", i, r.Value)
		}
		if r.SequenceNo != int64(i+1) {
			t.Fatalf("sequence %d, want %d", r.SequenceNo, i+1)
		}
	}
}

func TestGeneratorSpikes(t *testing.T) {
	g := NewGenerator("garage", models.SensorCO, 1, 7)
	r := g.Next(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if r.Value < 6 {
		t.Fatalf("spike should exceed the CO band, got %v", r.Value)
	}
}
