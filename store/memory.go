package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"homewatch/models"
)

// MemoryStore keeps alerts in process. Used in tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	alerts   map[string]*models.Alert
	readings []models.Reading
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*models.Alert)}
}

func (m *MemoryStore) Insert(ctx context.Context, alert *models.Alert) (string, error) {
	cp := *alert
	m.mu.Lock()
	m.alerts[cp.AlertID] = &cp
	m.mu.Unlock()
	observe("insert", nil)
	return cp.AlertID, nil
}

func (m *MemoryStore) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[alertID]
	if !ok {
		observe("get", ErrNotFound)
		return nil, ErrNotFound
	}
	cp := *a
	observe("get", nil)
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, actor string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		observe("update_status", ErrNotFound)
		return false, ErrNotFound
	}
	changed, err := a.ApplyStatus(status, actor, at)
	observe("update_status", err)
	return changed, err
}

func (m *MemoryStore) FindRecent(ctx context.Context, key models.CooldownKey, since time.Time) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *models.Alert
	for _, a := range m.alerts {
		if a.Key() != key || a.CreatedAt.Before(since) {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	observe("find_recent", nil)
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	m.mu.RLock()
	out := make([]*models.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if filter.Matches(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := listLimit(filter); len(out) > limit {
		out = out[:limit]
	}
	observe("list", nil)
	return out, nil
}

func (m *MemoryStore) InsertReadings(ctx context.Context, readings []models.Reading) error {
	m.mu.Lock()
	m.readings = append(m.readings, readings...)
	m.mu.Unlock()
	observe("insert_readings", nil)
	return nil
}

// Readings returns a copy of the archived readings
func (m *MemoryStore) Readings() []models.Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Reading(nil), m.readings...)
}

func (m *MemoryStore) Close(ctx context.Context) error { return nil }
