package main

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"homewatch/models"
)

// sensorRange is the normal operating band of a sensor type
type sensorRange struct {
	min, max float64
	decimals int
}

var ranges = map[models.SensorType]sensorRange{
	models.SensorTemperature: {min: 15, max: 35, decimals: 1},
	models.SensorHumidity:    {min: 30, max: 70, decimals: 1},
	models.SensorCO:          {min: 0, max: 5, decimals: 2},
	models.SensorBattery:     {min: 20, max: 100, decimals: 0},
}

// roomOffsets shift the band per room so rooms look different on a dashboard
var roomOffsets = map[string]map[models.SensorType]float64{
	"kitchen":  {models.SensorTemperature: 2, models.SensorHumidity: -5},
	"garage":   {models.SensorTemperature: -3, models.SensorHumidity: -10},
	"basement": {models.SensorTemperature: -2, models.SensorHumidity: 10},
}

// Generator produces a daily sinusoid plus noise for one sensor, with
// occasional spikes above the normal band
type Generator struct {
	SensorID   string
	Room       string
	SensorType models.SensorType

	spikeProb float64
	rng       *rand.Rand
	seq       int64
}

func NewGenerator(room string, st models.SensorType, spikeProb float64, seed int64) *Generator {
	room = strings.ToLower(room)
	return &Generator{
		SensorID:   string(st) + "_" + strings.ReplaceAll(room, " ", "_"),
		Room:       room,
		SensorType: st,
		spikeProb:  spikeProb,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Next returns the reading for time t
func (g *Generator) Next(t time.Time) models.Reading {
	r := ranges[g.SensorType]
	offset := roomOffsets[g.Room][g.SensorType]
	mid := (r.min+r.max)/2 + offset
	amp := (r.max - r.min) / 2

	dayFraction := float64(t.Hour()*3600+t.Minute()*60+t.Second()) / 86400
	value := mid + 0.6*amp*math.Sin(2*math.Pi*dayFraction) + (g.rng.Float64()*2-1)*0.2*amp

	if g.rng.Float64() < g.spikeProb {
		// spikes land between 1.2x and 2x the upper bound
		value = (r.max + offset) * (1.2 + 0.8*g.rng.Float64())
	}
	if g.SensorType == models.SensorBattery {
		value = math.Min(100, math.Max(0, value))
	}
	if value < 0 {
		value = 0
	}

	g.seq++
	scale := math.Pow(10, float64(r.decimals))
	return models.Reading{
		SensorID:   g.SensorID,
		SensorType: g.SensorType,
		Room:       g.Room,
		Value:      math.Round(value*scale) / scale,
		Timestamp:  t,
		SequenceNo: g.seq,
	}
}
