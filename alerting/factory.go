package alerting

import (
	"fmt"
	"strconv"
	"time"

	"homewatch/models"
)

// Factory turns violations into alerts
type Factory struct {
	now func() time.Time
}

// NewFactory returns a factory using clock, or time.Now when nil
func NewFactory(clock func() time.Time) *Factory {
	if clock == nil {
		clock = time.Now
	}
	return &Factory{now: clock}
}

// Create builds an active alert from a violation. The id is derived from the
// sensor id and creation time.
func (f *Factory) Create(v *models.Violation) *models.Alert {
	created := f.now().UTC()
	return &models.Alert{
		AlertID:        fmt.Sprintf("alert_%s_%d", v.SensorID, created.UnixMilli()),
		SensorID:       v.SensorID,
		Room:           v.Room,
		SensorType:     v.SensorType,
		ViolationType:  v.BoundExceeded.ViolationType(),
		Severity:       CalculateSeverity(v),
		Message:        FormatMessage(v),
		Status:         models.StatusActive,
		CurrentValue:   v.Value,
		ThresholdValue: v.ThresholdValue,
		Unit:           v.Unit,
		ReadingTime:    v.Timestamp,
		CreatedAt:      created,
	}
}

// FormatMessage renders the operator-facing description of a violation, e.g.
// "CO in Garage is above safe levels: 8.5ppm (threshold: 5ppm)"
func FormatMessage(v *models.Violation) string {
	return fmt.Sprintf("%s in %s is %s safe levels: %s%s (threshold: %s%s)",
		v.SensorType.DisplayName(),
		models.RoomDisplayName(v.Room),
		v.BoundExceeded.Direction(),
		formatValue(v.Value), v.Unit,
		formatValue(v.ThresholdValue), v.Unit)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
