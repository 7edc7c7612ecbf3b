package models

import (
	"time"
)

// SensorHealthStatus represents the liveness of a sensor as seen by the ingestion side
type SensorHealthStatus string

const (
	SensorHealthy   SensorHealthStatus = "healthy"
	SensorTimeout   SensorHealthStatus = "timeout"
	SensorRecovered SensorHealthStatus = "recovered"
)

// SensorHealth tracks when a sensor last delivered a reading
type SensorHealth struct {
	SensorID    string             `json:"sensor_id"`
	Room        string             `json:"room"`
	SensorType  SensorType         `json:"sensor_type"`
	LastReading *Reading           `json:"last_reading,omitempty"`
	LastSeen    time.Time          `json:"last_seen"`
	Status      SensorHealthStatus `json:"status"`
	TimeoutAt   time.Time          `json:"timeout_at,omitempty"` // When the sensor timed out (if applicable)
}
