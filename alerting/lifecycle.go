package alerting

import (
	"context"
	"fmt"
	"time"

	"homewatch/models"
	"homewatch/notify"
	"homewatch/store"

	"go.uber.org/zap"
)

// Realtime event names
const (
	EventAlertAcknowledged = "alert_acknowledged"
	EventAlertResolved     = "alert_resolved"
)

// Lifecycle applies operator actions to stored alerts
type Lifecycle struct {
	store       store.AlertStore
	broadcaster notify.Broadcaster
	now         func() time.Time
	logger      *zap.Logger
}

// NewLifecycle creates the acknowledge/resolve service. broadcaster may be nil.
func NewLifecycle(s store.AlertStore, broadcaster notify.Broadcaster, clock func() time.Time, logger *zap.Logger) *Lifecycle {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{store: s, broadcaster: broadcaster, now: clock, logger: logger}
}

// Acknowledge marks an alert acknowledged by actor. Acknowledging twice succeeds without change;
// acknowledging a resolved alert returns models.ErrAlertResolved.
func (l *Lifecycle) Acknowledge(ctx context.Context, alertID, actor string) (*models.Alert, error) {
	return l.transition(ctx, alertID, models.StatusAcknowledged, actor, EventAlertAcknowledged)
}

// Resolve moves an alert to the terminal resolved state. Resolving twice succeeds without change.
func (l *Lifecycle) Resolve(ctx context.Context, alertID, actor string) (*models.Alert, error) {
	return l.transition(ctx, alertID, models.StatusResolved, actor, EventAlertResolved)
}

func (l *Lifecycle) transition(ctx context.Context, alertID string, status models.AlertStatus, actor, event string) (*models.Alert, error) {
	at := l.now().UTC()
	changed, err := l.store.UpdateStatus(ctx, alertID, status, actor, at)
	if err != nil {
		return nil, fmt.Errorf("%s alert %s: %w", status, alertID, err)
	}
	alert, err := l.store.Get(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("reload alert %s: %w", alertID, err)
	}
	if !changed {
		return alert, nil
	}

	l.logger.Info("Alert status changed",
		zap.String("alert_id", alertID),
		zap.String("status", string(status)),
		zap.String("actor", actor))

	if l.broadcaster != nil {
		payload := map[string]any{
			"alert_id":  alertID,
			"status":    string(status),
			"actor":     actor,
			"timestamp": at.Format(time.RFC3339),
		}
		if status == models.StatusAcknowledged {
			payload["acknowledged_by"] = actor
		}
		if err := l.broadcaster.Broadcast(event, payload); err != nil {
			l.logger.Warn("Failed to broadcast alert status", zap.String("alert_id", alertID), zap.Error(err))
		}
	}
	return alert, nil
}
