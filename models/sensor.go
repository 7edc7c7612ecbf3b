package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// SensorType identifies what a sensor measures
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorHumidity    SensorType = "humidity"
	SensorCO          SensorType = "co"
	SensorBattery     SensorType = "battery"
)

// SensorTypes lists every supported sensor type
var SensorTypes = []SensorType{SensorTemperature, SensorHumidity, SensorCO, SensorBattery}

// ErrInvalidReading is returned when a reading is rejected at the ingestion boundary
var ErrInvalidReading = errors.New("invalid reading")

// ParseSensorType normalizes and validates a sensor type name
func ParseSensorType(s string) (SensorType, error) {
	t := SensorType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range SensorTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown sensor_type %q", ErrInvalidReading, s)
}

// DisplayName returns the human readable name used in alert messages
func (t SensorType) DisplayName() string {
	switch t {
	case SensorTemperature:
		return "Temperature"
	case SensorHumidity:
		return "Humidity"
	case SensorCO:
		return "CO"
	case SensorBattery:
		return "Battery"
	default:
		return string(t)
	}
}

// Reading is one timestamped sensor measurement. It is never mutated after creation.
type Reading struct {
	SensorID   string     `json:"sensor_id"`
	SensorType SensorType `json:"sensor_type"`
	Room       string     `json:"room"`
	Value      float64    `json:"value"`
	Timestamp  time.Time  `json:"timestamp"`
	SequenceNo int64      `json:"sequence_no"`
}

// Validate rejects readings with missing fields, non-finite values or unknown sensor types
func (r *Reading) Validate() error {
	if strings.TrimSpace(r.SensorID) == "" {
		return fmt.Errorf("%w: missing sensor_id", ErrInvalidReading)
	}
	if strings.TrimSpace(r.Room) == "" {
		return fmt.Errorf("%w: missing room", ErrInvalidReading)
	}
	if _, err := ParseSensorType(string(r.SensorType)); err != nil {
		return err
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: non-numeric value for sensor %s", ErrInvalidReading, r.SensorID)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp for sensor %s", ErrInvalidReading, r.SensorID)
	}
	return nil
}

// Topic returns the transport topic readings of this sensor are published to
func (r *Reading) Topic() string {
	return TopicForRoom(r.Room)
}

// TopicForRoom derives the publish topic for a room
func TopicForRoom(room string) string {
	return "sensor/" + room
}

// RoomDisplayName turns "living_room" into "Living Room"
func RoomDisplayName(room string) string {
	words := strings.Fields(strings.ReplaceAll(room, "_", " "))
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// ReadingPayload is the flat record forwarded over the transport
type ReadingPayload struct {
	SensorID     string    `json:"sensor_id"`
	SensorType   string    `json:"sensor_type"`
	Value        *float64  `json:"value"`
	Room         string    `json:"room"`
	Timestamp    time.Time `json:"timestamp"`
	BufferTime   time.Time `json:"buffer_time"`
	ReadingCount int64     `json:"reading_count"`
}

// NewReadingPayload builds the wire record for a reading buffered at bufferedAt
func NewReadingPayload(r Reading, bufferedAt time.Time) ReadingPayload {
	v := r.Value
	return ReadingPayload{
		SensorID:     r.SensorID,
		SensorType:   string(r.SensorType),
		Value:        &v,
		Room:         r.Room,
		Timestamp:    r.Timestamp,
		BufferTime:   bufferedAt,
		ReadingCount: r.SequenceNo,
	}
}

// Reading converts a decoded payload back into a validated reading
func (p *ReadingPayload) Reading() (Reading, error) {
	if p.Value == nil {
		return Reading{}, fmt.Errorf("%w: missing value", ErrInvalidReading)
	}
	st, err := ParseSensorType(p.SensorType)
	if err != nil {
		return Reading{}, err
	}
	r := Reading{
		SensorID:   strings.TrimSpace(p.SensorID),
		SensorType: st,
		Room:       strings.ToLower(strings.TrimSpace(p.Room)),
		Value:      *p.Value,
		Timestamp:  p.Timestamp,
		SequenceNo: p.ReadingCount,
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if err := r.Validate(); err != nil {
		return Reading{}, err
	}
	return r, nil
}

// Bounds are the configured limits for one sensor type
type Bounds struct {
	Min  *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Unit string   `yaml:"unit" json:"unit"`
}

// ThresholdConfig maps sensor types to their bounds. Treat it as immutable once loaded.
type ThresholdConfig map[SensorType]Bounds

// Lookup returns the bounds for a sensor type and whether it is monitored
func (c ThresholdConfig) Lookup(t SensorType) (Bounds, bool) {
	if c == nil {
		return Bounds{}, false
	}
	b, ok := c[t]
	return b, ok
}

// Float returns a pointer to v, used to build optional bounds
func Float(v float64) *float64 {
	return &v
}

// DefaultThresholds mirrors the limits shipped with the monitoring system
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{
		SensorTemperature: {Min: Float(18.0), Max: Float(30.0), Unit: "°C"},
		SensorHumidity:    {Min: Float(30.0), Max: Float(70.0), Unit: "%"},
		SensorCO:          {Min: Float(0.0), Max: Float(50.0), Unit: "ppm"},
		SensorBattery:     {Min: Float(20.0), Unit: "%"},
	}
}
