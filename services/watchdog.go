package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"homewatch/metrics"
	"homewatch/models"
	"homewatch/notify"

	"go.uber.org/zap"
)

// EventSensorStatus is broadcast when a sensor times out or recovers
const EventSensorStatus = "sensor_status"

// SensorWatchdog tracks when each sensor last delivered a reading and reports
// sensors that go silent
type SensorWatchdog struct {
	staleAfter  time.Duration
	broadcaster notify.Broadcaster
	logger      *zap.Logger
	now         func() time.Time
	sensors     map[string]*models.SensorHealth
	mu          sync.RWMutex

	onTransition func(models.SensorHealth)
}

// NewSensorWatchdog creates a watchdog. broadcaster may be nil.
func NewSensorWatchdog(staleAfter time.Duration, broadcaster notify.Broadcaster, logger *zap.Logger) *SensorWatchdog {
	return &SensorWatchdog{
		staleAfter:  staleAfter,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
		sensors:     make(map[string]*models.SensorHealth),
	}
}

// OnTransition registers a callback for timeout and recovery transitions.
// It must be called before Start.
func (h *SensorWatchdog) OnTransition(fn func(models.SensorHealth)) {
	h.onTransition = fn
}

// Start runs the timeout checker until ctx is done
func (h *SensorWatchdog) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("Sensor watchdog started", zap.Duration("stale_after", h.staleAfter))

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Sensor watchdog stopped")
			return
		case <-ticker.C:
			h.CheckTimeouts()
		}
	}
}

// Observe records a reading as a sign of life for its sensor
func (h *SensorWatchdog) Observe(r models.Reading) {
	now := h.now()
	reading := r

	h.mu.Lock()
	sensor, exists := h.sensors[r.SensorID]
	if !exists {
		sensor = &models.SensorHealth{
			SensorID:   r.SensorID,
			Room:       r.Room,
			SensorType: r.SensorType,
			Status:     models.SensorHealthy,
		}
		h.sensors[r.SensorID] = sensor
		h.logger.Info("New sensor registered for health monitoring",
			zap.String("sensor_id", r.SensorID),
			zap.String("room", r.Room))
	}

	wasTimeout := sensor.Status == models.SensorTimeout
	sensor.LastReading = &reading
	sensor.LastSeen = now
	sensor.Status = models.SensorHealthy

	var snapshot models.SensorHealth
	if wasTimeout {
		sensor.Status = models.SensorRecovered
		snapshot = *sensor
		sensor.TimeoutAt = time.Time{}
	}
	active := h.activeLocked(now)
	h.mu.Unlock()

	metrics.ActiveSensors.Set(float64(active))

	if wasTimeout {
		h.logger.Info("Sensor recovered from timeout",
			zap.String("sensor_id", r.SensorID),
			zap.Duration("down_duration", now.Sub(snapshot.TimeoutAt)))
		h.broadcast(snapshot)
	}
}

// CheckTimeouts marks sensors silent for longer than the stale window and
// returns how many timed out in this pass
func (h *SensorWatchdog) CheckTimeouts() int {
	now := h.now()

	h.mu.Lock()
	var timedOut []models.SensorHealth
	for sensorID, sensor := range h.sensors {
		if sensor.Status == models.SensorTimeout {
			continue
		}
		sinceLastSeen := now.Sub(sensor.LastSeen)
		if sinceLastSeen <= h.staleAfter {
			continue
		}
		h.logger.Warn("Sensor timeout detected",
			zap.String("sensor_id", sensorID),
			zap.Time("last_seen", sensor.LastSeen),
			zap.Duration("time_since_last_seen", sinceLastSeen))

		sensor.Status = models.SensorTimeout
		sensor.TimeoutAt = now
		timedOut = append(timedOut, *sensor)
	}
	active := h.activeLocked(now)
	h.mu.Unlock()

	metrics.ActiveSensors.Set(float64(active))
	for _, s := range timedOut {
		h.broadcast(s)
	}
	return len(timedOut)
}

func (h *SensorWatchdog) activeLocked(now time.Time) int {
	n := 0
	for _, s := range h.sensors {
		if s.Status != models.SensorTimeout && now.Sub(s.LastSeen) <= h.staleAfter {
			n++
		}
	}
	return n
}

func (h *SensorWatchdog) broadcast(s models.SensorHealth) {
	if h.onTransition != nil {
		h.onTransition(s)
	}
	if h.broadcaster == nil {
		return
	}
	if err := h.broadcaster.Broadcast(EventSensorStatus, s); err != nil {
		h.logger.Warn("Failed to broadcast sensor status",
			zap.String("sensor_id", s.SensorID),
			zap.Error(err))
	}
}

// SensorHealth returns the current health record of a sensor
func (h *SensorWatchdog) SensorHealth(sensorID string) (models.SensorHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sensor, exists := h.sensors[sensorID]
	if !exists {
		return models.SensorHealth{}, false
	}
	return *sensor, true
}

// Snapshot lists every known sensor ordered by room, then sensor id
func (h *SensorWatchdog) Snapshot() []models.SensorHealth {
	h.mu.RLock()
	out := make([]models.SensorHealth, 0, len(h.sensors))
	for _, s := range h.sensors {
		out = append(out, *s)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Room != out[j].Room {
			return out[i].Room < out[j].Room
		}
		return out[i].SensorID < out[j].SensorID
	})
	return out
}
