package alerting

import (
	"math"

	"homewatch/models"
)

// Evaluate checks a reading against its configured bounds and returns the violation, if any.
// Unconfigured sensor types are not monitored. Values equal to a bound do not violate.
func Evaluate(r models.Reading, cfg models.ThresholdConfig) *models.Violation {
	bounds, ok := cfg.Lookup(r.SensorType)
	if !ok {
		return nil
	}

	var (
		kind      models.BoundKind
		threshold float64
	)
	switch {
	case bounds.Min != nil && r.Value < *bounds.Min:
		kind, threshold = models.BoundMin, *bounds.Min
	case bounds.Max != nil && r.Value > *bounds.Max:
		kind, threshold = models.BoundMax, *bounds.Max
	default:
		return nil
	}

	return &models.Violation{
		SensorID:       r.SensorID,
		Room:           r.Room,
		SensorType:     r.SensorType,
		Value:          r.Value,
		BoundExceeded:  kind,
		ThresholdValue: threshold,
		Unit:           bounds.Unit,
		Timestamp:      r.Timestamp,
	}
}

// severityScale lists the exclusive lower limits (in percent deviation) of critical, high and medium
type severityScale struct {
	critical, high, medium float64
}

var (
	coScale      = severityScale{critical: 50, high: 20, medium: 10}
	defaultScale = severityScale{critical: 100, high: 50, medium: 25}
)

// Deviation returns how far the value is from the exceeded threshold, in percent.
// A zero threshold yields +Inf.
func Deviation(v *models.Violation) float64 {
	diff := math.Abs(v.Value - v.ThresholdValue)
	if v.ThresholdValue == 0 {
		return math.Inf(1)
	}
	return diff * 100 / math.Abs(v.ThresholdValue)
}

// CalculateSeverity grades a violation. CO sensors use a stricter scale.
func CalculateSeverity(v *models.Violation) models.Severity {
	scale := defaultScale
	if v.SensorType == models.SensorCO {
		scale = coScale
	}

	deviation := Deviation(v)
	switch {
	case deviation > scale.critical:
		return models.SeverityCritical
	case deviation > scale.high:
		return models.SeverityHigh
	case deviation > scale.medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
