package models

import (
	"errors"
	"fmt"
	"time"
)

// BoundKind names which configured bound a reading exceeded
type BoundKind string

const (
	BoundMin BoundKind = "min"
	BoundMax BoundKind = "max"
)

// ViolationType returns the alert violation type for the bound
func (b BoundKind) ViolationType() string {
	if b == BoundMin {
		return "below_min"
	}
	return "above_max"
}

// Direction is the word used in alert messages
func (b BoundKind) Direction() string {
	if b == BoundMin {
		return "below"
	}
	return "above"
}

// Violation is a reading that fell outside its configured bounds
type Violation struct {
	SensorID       string     `json:"sensor_id"`
	Room           string     `json:"room"`
	SensorType     SensorType `json:"sensor_type"`
	Value          float64    `json:"value"`
	BoundExceeded  BoundKind  `json:"bound_exceeded"`
	ThresholdValue float64    `json:"threshold_value"`
	Unit           string     `json:"unit"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Key returns the cooldown key this violation is gated under
func (v *Violation) Key() CooldownKey {
	return CooldownKey{
		SensorID:      v.SensorID,
		SensorType:    v.SensorType,
		ViolationType: v.BoundExceeded.ViolationType(),
	}
}

// CooldownKey identifies a sensor/condition pair for duplicate suppression
type CooldownKey struct {
	SensorID      string
	SensorType    SensorType
	ViolationType string
}

func (k CooldownKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.SensorID, k.SensorType, k.ViolationType)
}

// Severity of an alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// ErrAlertResolved is returned when acknowledging an alert that is already resolved
var ErrAlertResolved = errors.New("alert already resolved")

// Alert is a threshold violation that passed the cooldown gate
type Alert struct {
	AlertID        string      `json:"alert_id" bson:"alert_id"`
	SensorID       string      `json:"sensor_id" bson:"sensor_id"`
	Room           string      `json:"room" bson:"room"`
	SensorType     SensorType  `json:"sensor_type" bson:"sensor_type"`
	ViolationType  string      `json:"violation_type" bson:"violation_type"`
	Severity       Severity    `json:"severity" bson:"severity"`
	Message        string      `json:"message" bson:"message"`
	Status         AlertStatus `json:"status" bson:"status"`
	CurrentValue   float64     `json:"current_value" bson:"current_value"`
	ThresholdValue float64     `json:"threshold_value" bson:"threshold_value"`
	Unit           string      `json:"unit" bson:"unit"`
	ReadingTime    time.Time   `json:"reading_time" bson:"reading_time"`
	CreatedAt      time.Time   `json:"created_at" bson:"created_at"`
	Acknowledged   bool        `json:"acknowledged" bson:"acknowledged"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty" bson:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty" bson:"acknowledged_at,omitempty"`
	Resolved       bool        `json:"resolved" bson:"resolved"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
}

// AlertType combines sensor type and violation type, e.g. "co_above_max"
func (a *Alert) AlertType() string {
	return fmt.Sprintf("%s_%s", a.SensorType, a.ViolationType)
}

// Key returns the cooldown key of the alert
func (a *Alert) Key() CooldownKey {
	return CooldownKey{SensorID: a.SensorID, SensorType: a.SensorType, ViolationType: a.ViolationType}
}

// Acknowledge moves an active alert to acknowledged. Acknowledging twice is a no-op.
// It reports whether the alert changed.
func (a *Alert) Acknowledge(actor string, at time.Time) (bool, error) {
	switch a.Status {
	case StatusResolved:
		return false, ErrAlertResolved
	case StatusAcknowledged:
		return false, nil
	}
	a.Status = StatusAcknowledged
	a.Acknowledged = true
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = &at
	return true, nil
}

// Resolve moves an alert to the terminal resolved state. Resolving twice is a no-op.
func (a *Alert) Resolve(at time.Time) bool {
	if a.Status == StatusResolved {
		return false
	}
	a.Status = StatusResolved
	a.Resolved = true
	a.ResolvedAt = &at
	return true
}

// ApplyStatus applies a status transition by name, used by stores that persist transitions
func (a *Alert) ApplyStatus(status AlertStatus, actor string, at time.Time) (bool, error) {
	switch status {
	case StatusAcknowledged:
		return a.Acknowledge(actor, at)
	case StatusResolved:
		return a.Resolve(at), nil
	default:
		return false, fmt.Errorf("unsupported status transition to %q", status)
	}
}

// AlertFilter narrows alert queries
type AlertFilter struct {
	Status   AlertStatus
	Room     string
	Severity Severity
	Limit    int
}

// Matches reports whether the alert satisfies the filter (limit excluded)
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Room != "" && a.Room != f.Room {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	return true
}
