package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"homewatch/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// NewFirebaseApp initializes a Firebase app from a service account JSON document
func NewFirebaseApp(ctx context.Context, dbURL string, serviceAccountJSON []byte) (*firebase.App, error) {
	conf := &firebase.Config{DatabaseURL: dbURL}
	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsJSON(serviceAccountJSON))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	return app, nil
}

// FirebaseStore keeps alerts under /alerts/<alert_id> and readings under /sensor_readings in the Realtime Database
type FirebaseStore struct {
	client *db.Client
	logger *zap.Logger
}

func OpenFirebase(ctx context.Context, dbURL string, serviceAccountJSON []byte, logger *zap.Logger) (*FirebaseStore, error) {
	app, err := NewFirebaseApp(ctx, dbURL, serviceAccountJSON)
	if err != nil {
		return nil, err
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}
	s := &FirebaseStore{client: client, logger: logger}
	if err := s.testConnection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// testConnection reads the root with retry
func (s *FirebaseStore) testConnection(ctx context.Context) error {
	maxRetries := 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var data map[string]any
		err := s.client.NewRef("alerts").OrderByKey().LimitToFirst(1).Get(ctx, &data)
		if err == nil {
			s.logger.Info("Firebase connection successful")
			return nil
		}
		s.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (s *FirebaseStore) alertRef(id string) *db.Ref {
	return s.client.NewRef("alerts").Child(id)
}

func (s *FirebaseStore) Insert(ctx context.Context, a *models.Alert) (string, error) {
	err := s.alertRef(a.AlertID).Set(ctx, a)
	observe("insert", err)
	if err != nil {
		return "", fmt.Errorf("insert alert %s: %w", a.AlertID, err)
	}
	return a.AlertID, nil
}

func (s *FirebaseStore) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	var a models.Alert
	err := s.alertRef(alertID).Get(ctx, &a)
	if err == nil && a.AlertID == "" {
		err = ErrNotFound
	}
	observe("get", err)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *FirebaseStore) UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, actor string, at time.Time) (bool, error) {
	var (
		changed  bool
		applyErr error
	)
	err := s.alertRef(alertID).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var a models.Alert
		if err := node.Unmarshal(&a); err != nil {
			return nil, err
		}
		if a.AlertID == "" {
			applyErr = ErrNotFound
			return nil, applyErr
		}
		changed, applyErr = a.ApplyStatus(status, actor, at)
		if applyErr != nil {
			return nil, applyErr
		}
		return &a, nil
	})
	if applyErr != nil {
		observe("update_status", applyErr)
		return false, applyErr
	}
	observe("update_status", err)
	if err != nil {
		return false, fmt.Errorf("update alert %s: %w", alertID, err)
	}
	return changed, nil
}

// sensorAlerts loads every alert for one sensor
func (s *FirebaseStore) sensorAlerts(ctx context.Context, sensorID string) ([]*models.Alert, error) {
	var data map[string]*models.Alert
	if err := s.client.NewRef("alerts").OrderByChild("sensor_id").EqualTo(sensorID).Get(ctx, &data); err != nil {
		return nil, err
	}
	out := make([]*models.Alert, 0, len(data))
	for _, a := range data {
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *FirebaseStore) FindRecent(ctx context.Context, key models.CooldownKey, since time.Time) (*models.Alert, error) {
	alerts, err := s.sensorAlerts(ctx, key.SensorID)
	observe("find_recent", err)
	if err != nil {
		return nil, err
	}
	var newest *models.Alert
	for _, a := range alerts {
		if a.Key() != key || a.CreatedAt.Before(since) {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	return newest, nil
}

func (s *FirebaseStore) List(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	q := s.client.NewRef("alerts").OrderByChild("created_at")
	if filter.Room != "" {
		q = s.client.NewRef("alerts").OrderByChild("room").EqualTo(filter.Room)
	}
	var data map[string]*models.Alert
	err := q.Get(ctx, &data)
	observe("list", err)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Alert, 0, len(data))
	for _, a := range data {
		if a != nil && filter.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := listLimit(filter); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FirebaseStore) InsertReadings(ctx context.Context, readings []models.Reading) error {
	ref := s.client.NewRef("sensor_readings")
	var errs []error
	for _, r := range readings {
		if _, err := ref.Push(ctx, models.NewReadingPayload(r, time.Now())); err != nil {
			errs = append(errs, fmt.Errorf("push reading for %s: %w", r.SensorID, err))
		}
	}
	err := errors.Join(errs...)
	observe("insert_readings", err)
	return err
}

// Firebase clients do not require explicit closing
func (s *FirebaseStore) Close(ctx context.Context) error {
	s.logger.Info("Closing Firebase store")
	return nil
}
