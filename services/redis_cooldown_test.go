package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homewatch/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

// memoryRedis emulates SET NX PX against its own clock
type memoryRedis struct {
	mu      sync.Mutex
	now     time.Time
	expires map[string]time.Time
	ttls    []time.Duration
	err     error
}

func newMemoryRedis(now time.Time) *memoryRedis {
	return &memoryRedis{now: now, expires: make(map[string]time.Time)}
}

func (m *memoryRedis) SetNX(ctx context.Context, key string, _ interface{}, expiration time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewBoolResult(false, m.err)
	}
	m.ttls = append(m.ttls, expiration)
	if exp, ok := m.expires[key]; ok && m.now.Before(exp) {
		return redis.NewBoolResult(false, nil)
	}
	m.expires[key] = m.now.Add(expiration)
	return redis.NewBoolResult(true, nil)
}

func (m *memoryRedis) Close() error { return nil }

func (m *memoryRedis) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func TestRedisCooldownGate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	client := newMemoryRedis(now)
	gate := &RedisCooldownGate{client: client, cooldown: 5 * time.Minute, logger: zaptest.NewLogger(t)}

	garage := models.CooldownKey{SensorID: "co_garage", SensorType: models.SensorCO, ViolationType: models.BoundMax.ViolationType()}
	kitchen := models.CooldownKey{SensorID: "temp_kitchen", SensorType: models.SensorTemperature, ViolationType: models.BoundMax.ViolationType()}

	if ok, err := gate.Allow(ctx, garage, now); err != nil || !ok {
		t.Fatalf("first alert must pass: %v %v", ok, err)
	}
	if ok, err := gate.Allow(ctx, garage, now.Add(time.Minute)); err != nil || ok {
		t.Fatalf("alert inside the window must be suppressed: %v %v", ok, err)
	}
	if ok, err := gate.Allow(ctx, kitchen, now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("other keys are independent: %v %v", ok, err)
	}

	client.advance(5 * time.Minute)
	if ok, err := gate.Allow(ctx, garage, now.Add(5*time.Minute)); err != nil || !ok {
		t.Fatalf("alert after expiry must pass: %v %v", ok, err)
	}

	for _, ttl := range client.ttls {
		if ttl != 5*time.Minute {
			t.Fatalf("keys must expire with the cooldown window, got %v", ttl)
		}
	}
	if _, ok := client.expires[cooldownKeyPrefix+garage.String()]; !ok {
		t.Fatalf("expected prefixed key, have %v", client.expires)
	}

	client.err = errors.New("connection refused")
	ok, err := gate.Allow(ctx, garage, now.Add(20*time.Minute))
	if err == nil || ok || !errors.Is(err, client.err) {
		t.Fatalf("redis failure must be returned: %v %v", ok, err)
	}
}
