// Package store persists alerts and archived readings.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homewatch/config"
	"homewatch/metrics"
	"homewatch/models"

	"go.uber.org/zap"
)

// ErrNotFound is returned when an alert id is unknown
var ErrNotFound = errors.New("alert not found")

// DefaultListLimit caps List when the filter sets no limit
const DefaultListLimit = 50

// AlertStore is the persistence capability used by the alert pipeline and the lifecycle operations
type AlertStore interface {
	// Insert stores a new alert and returns its id
	Insert(ctx context.Context, alert *models.Alert) (string, error)
	Get(ctx context.Context, alertID string) (*models.Alert, error)
	// UpdateStatus applies a lifecycle transition and reports whether the alert changed.
	// It returns ErrNotFound for unknown ids and models.ErrAlertResolved when acknowledging a resolved alert.
	UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, actor string, at time.Time) (bool, error)
	// FindRecent returns the newest alert for key created at or after since, or nil
	FindRecent(ctx context.Context, key models.CooldownKey, since time.Time) (*models.Alert, error)
	List(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
}

// ReadingArchive stores batches of ingested readings
type ReadingArchive interface {
	InsertReadings(ctx context.Context, readings []models.Reading) error
}

// Store is a backend providing both capabilities
type Store interface {
	AlertStore
	ReadingArchive
	Close(ctx context.Context) error
}

// Open connects to the backend selected by cfg.StoreKind
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.StoreKind {
	case config.StoreMemory:
		s = NewMemoryStore()
	case config.StoreSQLite:
		s, err = OpenSQLite(ctx, cfg.SQLitePath)
	case config.StoreMongo:
		s, err = OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.StoreFirebase:
		s, err = OpenFirebase(ctx, cfg.FirebaseDbUrl, []byte(cfg.FirebaseServiceAccountJSON), logger)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.StoreKind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreKind, err)
	}
	logger.Info("Alert store ready", zap.String("store", cfg.StoreKind))
	return s, nil
}

func listLimit(f models.AlertFilter) int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func observe(operation string, err error) {
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	metrics.StoreOperations.WithLabelValues(operation, status).Inc()
}
