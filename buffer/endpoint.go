package buffer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"homewatch/metrics"
	"homewatch/models"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of readings an endpoint keeps while offline
const DefaultCapacity = 1000

// Publisher is the transport capability. A nil error means the broker accepted the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Options configure every endpoint created by a Fleet
type Options struct {
	Capacity       int
	PublishTimeout time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// EndpointStatus is a point-in-time view of one sensor's forwarding state
type EndpointStatus struct {
	SensorID           string            `json:"sensor_id"`
	SensorType         models.SensorType `json:"sensor_type"`
	Room               string            `json:"room"`
	Topic              string            `json:"topic"`
	IsOnline           bool              `json:"is_online"`
	Capacity           int               `json:"buffer_size"`
	BufferedReadings   int               `json:"buffered_readings"`
	TotalReadings      int64             `json:"total_readings"`
	FailedSends        int64             `json:"failed_sends"`
	Forwarded          int64             `json:"forwarded"`
	Evicted            int64             `json:"evicted"`
	LastSuccessfulSend time.Time         `json:"last_successful_send"`
	OldestBuffered     *time.Time        `json:"oldest_buffered,omitempty"`
	NewestBuffered     *time.Time        `json:"newest_buffered,omitempty"`
}

// Endpoint buffers and forwards the readings of a single sensor.
//
// A single mutex covers the buffer, the online flag and the counters, so
// enqueue, drain and status changes for one sensor never interleave. It is
// held across publish calls; each call is bounded by the publish timeout.
type Endpoint struct {
	sensorID   string
	sensorType models.SensorType
	room       string
	topic      string

	publisher      Publisher
	publishTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time

	mu                 sync.Mutex
	buf                *ring
	online             bool
	totalReadings      int64
	failedSends        int64
	forwarded          int64
	evicted            int64
	lastSuccessfulSend time.Time
}

// NewEndpoint creates an endpoint that starts online with an empty buffer
func NewEndpoint(sensorID, room string, sensorType models.SensorType, publisher Publisher, opts Options) *Endpoint {
	opts = opts.withDefaults()
	return &Endpoint{
		sensorID:           sensorID,
		sensorType:         sensorType,
		room:               room,
		topic:              models.TopicForRoom(room),
		publisher:          publisher,
		publishTimeout:     opts.PublishTimeout,
		logger:             opts.Logger.With(zap.String("sensor_id", sensorID)),
		now:                opts.Now,
		buf:                newRing(opts.Capacity),
		online:             true,
		lastSuccessfulSend: opts.Now(),
	}
}

// SensorID returns the id of the sensor this endpoint serves
func (e *Endpoint) SensorID() string { return e.sensorID }

// Enqueue buffers a reading and, while online, forwards pending readings oldest first.
// It always accepts the reading; when the buffer is full the oldest reading is evicted.
func (e *Endpoint) Enqueue(ctx context.Context, r models.Reading) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalReadings++
	if r.SequenceNo == 0 {
		r.SequenceNo = e.totalReadings
	}
	if e.buf.push(entry{reading: r, bufferedAt: e.now()}) {
		e.evicted++
		metrics.ReadingsEvicted.Inc()
		e.logger.Debug("Buffer full, evicted oldest reading", zap.Int("capacity", e.buf.capacity()))
	}

	if e.online {
		e.forwardPendingLocked(ctx)
	}
	e.updateGaugeLocked()
	return true
}

// Drain forwards buffered readings. Without forceAll only the most recent
// reading is attempted. With forceAll every reading is attempted oldest first;
// delivered readings are removed and failed ones stay buffered in order.
// Cancellation is honored between sends; unsent readings remain buffered.
func (e *Endpoint) Drain(ctx context.Context, forceAll bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.drainLocked(ctx, forceAll)
	e.updateGaugeLocked()
	return n
}

// SetOnlineStatus overrides the online flag. Going from offline to online drains the whole buffer.
func (e *Endpoint) SetOnlineStatus(ctx context.Context, online bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.online
	e.online = online
	if previous != online {
		e.logger.Info("Sensor status changed",
			zap.Bool("was_online", previous),
			zap.Bool("is_online", online),
			zap.Int("buffered_readings", e.buf.len()))
	}

	forwarded := 0
	if online && !previous {
		forwarded = e.drainLocked(ctx, true)
	}
	e.updateGaugeLocked()
	return forwarded
}

// Flush drains everything and then discards whatever could not be delivered.
// Used at shutdown; discarded readings are logged, not retried.
func (e *Endpoint) Flush(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	forwarded := e.drainLocked(ctx, true)
	if dropped := e.buf.clear(); dropped > 0 {
		metrics.ReadingsDiscarded.Add(float64(dropped))
		e.logger.Warn("Cleared unsent readings from buffer", zap.Int("dropped", dropped))
	}
	e.updateGaugeLocked()
	return forwarded
}

// Status returns a snapshot of the endpoint state
func (e *Endpoint) Status() EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := EndpointStatus{
		SensorID:           e.sensorID,
		SensorType:         e.sensorType,
		Room:               e.room,
		Topic:              e.topic,
		IsOnline:           e.online,
		Capacity:           e.buf.capacity(),
		BufferedReadings:   e.buf.len(),
		TotalReadings:      e.totalReadings,
		FailedSends:        e.failedSends,
		Forwarded:          e.forwarded,
		Evicted:            e.evicted,
		LastSuccessfulSend: e.lastSuccessfulSend,
	}
	if oldest, ok := e.buf.oldest(); ok {
		ts := oldest.reading.Timestamp
		st.OldestBuffered = &ts
	}
	if newest, ok := e.buf.newest(); ok {
		ts := newest.reading.Timestamp
		st.NewestBuffered = &ts
	}
	return st
}

// Buffered returns the buffered readings oldest first
func (e *Endpoint) Buffered() []models.Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Reading, 0, e.buf.len())
	for i := 0; i < e.buf.len(); i++ {
		out = append(out, e.buf.at(i).reading)
	}
	return out
}

// IsOnline reports the current online flag
func (e *Endpoint) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// forwardPendingLocked sends buffered readings oldest first and stops at the first failure
func (e *Endpoint) forwardPendingLocked(ctx context.Context) int {
	forwarded := 0
	for e.buf.len() > 0 && ctx.Err() == nil {
		next, _ := e.buf.oldest()
		if !e.attemptForwardLocked(ctx, next) {
			break
		}
		e.buf.popOldest()
		forwarded++
	}
	return forwarded
}

func (e *Endpoint) drainLocked(ctx context.Context, forceAll bool) int {
	if !forceAll {
		newest, ok := e.buf.newest()
		if !ok || ctx.Err() != nil {
			return 0
		}
		if e.attemptForwardLocked(ctx, newest) {
			e.buf.popNewest()
			return 1
		}
		return 0
	}

	pending := e.buf.drainAll()
	if len(pending) == 0 {
		return 0
	}
	forwarded := 0
	kept := make([]entry, 0, len(pending))
	for i, item := range pending {
		if ctx.Err() != nil {
			kept = append(kept, pending[i:]...)
			break
		}
		if e.attemptForwardLocked(ctx, item) {
			forwarded++
			continue
		}
		kept = append(kept, item)
	}
	for _, item := range kept {
		e.buf.push(item)
	}

	if len(kept) > 0 {
		e.logger.Warn("Failed to forward buffered readings",
			zap.Int("forwarded", forwarded),
			zap.Int("remaining", len(kept)))
	} else {
		e.logger.Info("Forwarded buffered readings", zap.Int("forwarded", forwarded))
	}
	return forwarded
}

// attemptForwardLocked publishes one reading and updates counters and the online flag
func (e *Endpoint) attemptForwardLocked(ctx context.Context, item entry) bool {
	payload, err := json.Marshal(models.NewReadingPayload(item.reading, item.bufferedAt))
	if err != nil {
		e.logger.Error("Failed to marshal reading payload", zap.Error(err))
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	err = e.publisher.Publish(pctx, e.topic, payload)
	cancel()

	if err != nil {
		e.failedSends++
		e.online = false
		metrics.ForwardFailures.Inc()
		e.logger.Warn("Failed to forward reading",
			zap.String("topic", e.topic),
			zap.Int64("sequence_no", item.reading.SequenceNo),
			zap.Error(err))
		return false
	}

	e.forwarded++
	e.online = true
	e.lastSuccessfulSend = e.now()
	metrics.ReadingsForwarded.Inc()
	e.logger.Debug("Forwarded reading",
		zap.String("topic", e.topic),
		zap.Int64("sequence_no", item.reading.SequenceNo))
	return true
}

func (e *Endpoint) updateGaugeLocked() {
	metrics.BufferedReadings.WithLabelValues(e.sensorID).Set(float64(e.buf.len()))
}
