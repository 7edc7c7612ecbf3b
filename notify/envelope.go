package notify

import (
	"fmt"
	"strings"
	"time"

	"homewatch/models"
)

// BuildEnvelope shapes an alert into the channel-agnostic envelope
func BuildEnvelope(a *models.Alert, recipients []string) models.Envelope {
	return models.Envelope{
		Subject:  fmt.Sprintf("[%s] %s alert in %s", strings.ToUpper(string(a.Severity)), a.SensorType.DisplayName(), models.RoomDisplayName(a.Room)),
		Body:     a.Message,
		Priority: a.Severity,
		StructuredData: map[string]any{
			"alert_id":        a.AlertID,
			"sensor_id":       a.SensorID,
			"room":            a.Room,
			"sensor_type":     string(a.SensorType),
			"alert_type":      a.AlertType(),
			"violation_type":  a.ViolationType,
			"severity":        string(a.Severity),
			"status":          string(a.Status),
			"current_value":   a.CurrentValue,
			"threshold_value": a.ThresholdValue,
			"unit":            a.Unit,
			"timestamp":       a.ReadingTime.UTC().Format(time.RFC3339),
			"created_at":      a.CreatedAt.UTC().Format(time.RFC3339),
		},
		Recipients: recipients,
	}
}

// NewJob builds a dispatch job for an alert
func NewJob(a *models.Alert, channels []models.Channel, recipients []string) models.NotificationJob {
	return models.NotificationJob{
		Alert:      a,
		Envelope:   BuildEnvelope(a, recipients),
		Channels:   channels,
		Recipients: recipients,
	}
}

// ParseChannels converts configured channel names
func ParseChannels(names []string) ([]models.Channel, error) {
	out := make([]models.Channel, 0, len(names))
	for _, n := range names {
		ch := models.Channel(strings.ToLower(strings.TrimSpace(n)))
		switch ch {
		case models.ChannelWebsocket, models.ChannelPush, models.ChannelEmail,
			models.ChannelSMS, models.ChannelWebhook, models.ChannelTelegram:
			out = append(out, ch)
		default:
			return nil, fmt.Errorf("unknown notification channel %q", n)
		}
	}
	return out, nil
}
