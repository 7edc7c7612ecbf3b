package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"homewatch/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const alertColumns = `alert_id, sensor_id, room, sensor_type, violation_type, severity, message, status,
	current_value, threshold_value, unit, reading_time, created_at,
	acknowledged, acknowledged_by, acknowledged_at, resolved, resolved_at`

// SQLiteStore persists alerts and readings in a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, a *models.Alert) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(`+alertColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.AlertID, a.SensorID, a.Room, string(a.SensorType), a.ViolationType, string(a.Severity), a.Message, string(a.Status),
		a.CurrentValue, a.ThresholdValue, a.Unit, a.ReadingTime.UnixMilli(), a.CreatedAt.UnixMilli(),
		a.Acknowledged, nullStr(a.AcknowledgedBy), nullTime(a.AcknowledgedAt), a.Resolved, nullTime(a.ResolvedAt),
	)
	observe("insert", err)
	if err != nil {
		return "", fmt.Errorf("insert alert %s: %w", a.AlertID, err)
	}
	return a.AlertID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID))
	observe("get", err)
	return a, err
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, actor string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID))
	if err != nil {
		observe("update_status", err)
		return false, err
	}
	changed, err := a.ApplyStatus(status, actor, at)
	if err != nil || !changed {
		observe("update_status", nil)
		return false, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE alerts SET status=?, acknowledged=?, acknowledged_by=?, acknowledged_at=?, resolved=?, resolved_at=? WHERE alert_id=?`,
		string(a.Status), a.Acknowledged, nullStr(a.AcknowledgedBy), nullTime(a.AcknowledgedAt), a.Resolved, nullTime(a.ResolvedAt), alertID,
	)
	if err == nil {
		err = tx.Commit()
	}
	observe("update_status", err)
	if err != nil {
		return false, fmt.Errorf("update alert %s: %w", alertID, err)
	}
	return true, nil
}

func (s *SQLiteStore) FindRecent(ctx context.Context, key models.CooldownKey, since time.Time) (*models.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE sensor_id = ? AND sensor_type = ? AND violation_type = ? AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`,
		key.SensorID, string(key.SensorType), key.ViolationType, since.UnixMilli()))
	if errors.Is(err, ErrNotFound) {
		observe("find_recent", nil)
		return nil, nil
	}
	observe("find_recent", err)
	return a, err
}

func (s *SQLiteStore) List(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Room != "" {
		where = append(where, "room = ?")
		args = append(args, filter.Room)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, listLimit(filter))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		observe("list", err)
		return nil, err
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			observe("list", err)
			return nil, err
		}
		out = append(out, a)
	}
	err = rows.Err()
	observe("list", err)
	return out, err
}

func (s *SQLiteStore) InsertReadings(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings(sensor_id, sensor_type, room, value, ts, sequence_no) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.SensorID, string(r.SensorType), r.Room, r.Value, r.Timestamp.UnixMilli(), r.SequenceNo); err != nil {
			observe("insert_readings", err)
			return fmt.Errorf("insert reading for %s: %w", r.SensorID, err)
		}
	}
	err = tx.Commit()
	observe("insert_readings", err)
	return err
}

// CountReadings returns the number of archived readings for a sensor
func (s *SQLiteStore) CountReadings(ctx context.Context, sensorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE sensor_id = ?`, sensorID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a                      models.Alert
		sensorType, severity   string
		status                 string
		readingTime, createdAt int64
		ackBy                  sql.NullString
		ackAt, resolvedAt      sql.NullInt64
	)
	err := row.Scan(&a.AlertID, &a.SensorID, &a.Room, &sensorType, &a.ViolationType, &severity, &a.Message, &status,
		&a.CurrentValue, &a.ThresholdValue, &a.Unit, &readingTime, &createdAt,
		&a.Acknowledged, &ackBy, &ackAt, &a.Resolved, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.SensorType = models.SensorType(sensorType)
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.ReadingTime = time.UnixMilli(readingTime).UTC()
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.AcknowledgedBy = ackBy.String
	if ackAt.Valid {
		t := time.UnixMilli(ackAt.Int64).UTC()
		a.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		a.ResolvedAt = &t
	}
	return &a, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
