package buffer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"homewatch/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fanoutLimit caps concurrent endpoint operations across the fleet
const fanoutLimit = 16

// Fleet owns one Endpoint per sensor, all sharing a transport.
// Endpoints are independent: one sensor's backlog never blocks another.
type Fleet struct {
	publisher Publisher
	opts      Options
	logger    *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewFleet(publisher Publisher, opts Options) *Fleet {
	opts = opts.withDefaults()
	return &Fleet{
		publisher: publisher,
		opts:      opts,
		logger:    opts.Logger,
		endpoints: make(map[string]*Endpoint),
	}
}

// Register returns the endpoint for sensorID, creating it on first use
func (f *Fleet) Register(sensorID, room string, sensorType models.SensorType) *Endpoint {
	f.mu.RLock()
	ep, ok := f.endpoints[sensorID]
	f.mu.RUnlock()
	if ok {
		return ep
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if ep, ok := f.endpoints[sensorID]; ok {
		return ep
	}
	ep = NewEndpoint(sensorID, room, sensorType, f.publisher, f.opts)
	f.endpoints[sensorID] = ep
	f.logger.Info("Registered sensor endpoint",
		zap.String("sensor_id", sensorID),
		zap.String("room", room),
		zap.String("sensor_type", string(sensorType)),
		zap.String("topic", ep.topic))
	return ep
}

// Endpoint looks up a registered endpoint
func (f *Fleet) Endpoint(sensorID string) (*Endpoint, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ep, ok := f.endpoints[sensorID]
	return ep, ok
}

// Enqueue validates a reading and hands it to its sensor's endpoint
func (f *Fleet) Enqueue(ctx context.Context, r models.Reading) error {
	if err := r.Validate(); err != nil {
		return err
	}
	ep := f.Register(r.SensorID, r.Room, r.SensorType)
	if ep.room != r.Room || ep.sensorType != r.SensorType {
		return fmt.Errorf("%w: sensor %s is registered as %s in %s", models.ErrInvalidReading, r.SensorID, ep.sensorType, ep.room)
	}
	ep.Enqueue(ctx, r)
	return nil
}

// SetOnlineStatus applies the online flag to every endpoint and returns the number of readings forwarded
func (f *Fleet) SetOnlineStatus(ctx context.Context, online bool) int {
	return f.each(ctx, func(ctx context.Context, ep *Endpoint) int {
		return ep.SetOnlineStatus(ctx, online)
	})
}

// ProbeOffline attempts the newest buffered reading of every offline endpoint.
// A successful probe marks the endpoint online and the rest of its backlog is drained.
func (f *Fleet) ProbeOffline(ctx context.Context) int {
	return f.each(ctx, func(ctx context.Context, ep *Endpoint) int {
		if ep.IsOnline() {
			return 0
		}
		n := ep.Drain(ctx, false)
		if n > 0 && ep.IsOnline() {
			n += ep.Drain(ctx, true)
		}
		return n
	})
}

// FlushAll drains and clears every endpoint
func (f *Fleet) FlushAll(ctx context.Context) int {
	n := f.each(ctx, func(ctx context.Context, ep *Endpoint) int {
		return ep.Flush(ctx)
	})
	f.logger.Info("Flushed sensor buffers", zap.Int("forwarded", n))
	return n
}

// Statuses returns a snapshot of every endpoint sorted by sensor id
func (f *Fleet) Statuses() []EndpointStatus {
	eps := f.snapshot()
	out := make([]EndpointStatus, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Status())
	}
	return out
}

func (f *Fleet) snapshot() []*Endpoint {
	f.mu.RLock()
	eps := make([]*Endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		eps = append(eps, ep)
	}
	f.mu.RUnlock()
	sort.Slice(eps, func(i, j int) bool { return eps[i].sensorID < eps[j].sensorID })
	return eps
}

func (f *Fleet) each(ctx context.Context, fn func(context.Context, *Endpoint) int) int {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutLimit)
	for _, ep := range f.snapshot() {
		ep := ep
		g.Go(func() error {
			total.Add(int64(fn(gctx, ep)))
			return nil
		})
	}
	_ = g.Wait()
	return int(total.Load())
}
