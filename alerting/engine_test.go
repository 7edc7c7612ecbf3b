package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homewatch/models"
	"homewatch/notify"
	"homewatch/store"

	"go.uber.org/zap/zaptest"
)

type recordingSender struct {
	channel models.Channel
	err     error

	mu    sync.Mutex
	calls int
	last  models.Envelope
}

func (s *recordingSender) Channel() models.Channel { return s.channel }

func (s *recordingSender) Send(_ context.Context, env models.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = env
	if s.err != nil {
		return "", s.err
	}
	return "sent", nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func garageReading(v float64) models.Reading {
	return models.Reading{SensorID: "co_garage", SensorType: models.SensorCO, Room: "Garage", Value: v, Timestamp: time.Now()}
}

func newTestEngine(t *testing.T, clock *fakeClock, s store.AlertStore, d *notify.Dispatcher, channels ...models.Channel) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	e, err := NewEngine(EngineConfig{
		Thresholds: StaticThresholds{models.SensorCO: {Max: models.Float(5.0), Unit: "ppm"}},
		Gate:       NewTracker(5*time.Minute, nil, logger),
		Store:      s,
		Dispatcher: d,
		Channels:   channels,
		Clock:      clock.Now,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestGarageCOScenario(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	push := &recordingSender{channel: models.ChannelPush}
	email := &recordingSender{channel: models.ChannelEmail, err: errors.New("smtp down")}
	s := store.NewMemoryStore()
	d := notify.NewDispatcher(time.Second, zaptest.NewLogger(t), push, email)
	e := newTestEngine(t, clock, s, d, models.ChannelPush, models.ChannelEmail)

	res, err := e.Process(ctx, garageReading(8.5))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeAlerted {
		t.Fatalf("expected alert, got %s", res.Outcome)
	}
	if res.Violation.BoundExceeded != models.BoundMax || res.Violation.ThresholdValue != 5.0 {
		t.Fatalf("unexpected violation %+v", res.Violation)
	}
	if res.Alert.Severity != models.SeverityCritical || res.Alert.Status != models.StatusActive {
		t.Fatalf("unexpected alert %+v", res.Alert)
	}
	if push.calls != 1 || email.calls != 1 {
		t.Fatalf("both channels must be attempted, push=%d email=%d", push.calls, email.calls)
	}
	if !res.Dispatch.Success || res.Dispatch.Channels[models.ChannelEmail].Success {
		t.Fatalf("unexpected dispatch result %+v", res.Dispatch)
	}
	if push.last.Subject != "[CRITICAL] CO alert in Garage" {
		t.Fatalf("unexpected subject %q", push.last.Subject)
	}

	stored, err := s.Get(ctx, res.Alert.AlertID)
	if err != nil || stored.Status != models.StatusActive {
		t.Fatalf("alert should be persisted, got %+v, %v", stored, err)
	}
}

func TestCooldownLimitsAlerts(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	s := store.NewMemoryStore()
	e := newTestEngine(t, clock, s, nil)

	first, _ := e.Process(ctx, garageReading(9))
	clock.Advance(time.Minute)
	second, _ := e.Process(ctx, garageReading(9.5))
	clock.Advance(5 * time.Minute)
	third, _ := e.Process(ctx, garageReading(10))

	if first.Outcome != OutcomeAlerted || second.Outcome != OutcomeSuppressed || third.Outcome != OutcomeAlerted {
		t.Fatalf("unexpected outcomes %s %s %s", first.Outcome, second.Outcome, third.Outcome)
	}
	alerts, _ := s.List(ctx, models.AlertFilter{})
	if len(alerts) != 2 {
		t.Fatalf("expected 2 stored alerts, got %d", len(alerts))
	}
	if first.Alert.AlertID == third.Alert.AlertID {
		t.Fatalf("alert ids must differ")
	}
}

func TestProcessNoViolation(t *testing.T) {
	e := newTestEngine(t, &fakeClock{now: time.Now()}, store.NewMemoryStore(), nil)
	res, err := e.Process(context.Background(), garageReading(5.0))
	if err != nil || res.Outcome != OutcomeNoViolation || res.Alert != nil {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
}

type failingGate struct{}

func (failingGate) Allow(context.Context, models.CooldownKey, time.Time) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestProcessGateErrorIsReturned(t *testing.T) {
	e, err := NewEngine(EngineConfig{
		Thresholds: StaticThresholds(models.DefaultThresholds()),
		Gate:       failingGate{},
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := e.Process(context.Background(), garageReading(80)); err == nil {
		t.Fatalf("gate failure must be escalated")
	}
}

// stalledStore never answers FindRecent or Insert until the caller gives up
type stalledStore struct {
	*store.MemoryStore
	stallFind   bool
	stallInsert bool
}

func (s *stalledStore) FindRecent(ctx context.Context, key models.CooldownKey, since time.Time) (*models.Alert, error) {
	if s.stallFind {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.MemoryStore.FindRecent(ctx, key, since)
}

func (s *stalledStore) Insert(ctx context.Context, a *models.Alert) (string, error) {
	if s.stallInsert {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.MemoryStore.Insert(ctx, a)
}

func processWithin(t *testing.T, e *Engine, r models.Reading, limit time.Duration) (Result, error) {
	t.Helper()
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		// ingest workers hand the engine a context without a deadline
		res, err := e.Process(context.WithoutCancel(context.Background()), r)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(limit):
		t.Fatalf("Process still blocked after %s", limit)
		return Result{}, nil
	}
}

func TestProcessTimesOutOnStalledCooldownLoad(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := &stalledStore{MemoryStore: store.NewMemoryStore(), stallFind: true}
	e, err := NewEngine(EngineConfig{
		Thresholds:   StaticThresholds{models.SensorCO: {Max: models.Float(5.0), Unit: "ppm"}},
		Gate:         NewTracker(time.Minute, LoaderFromStore(s), logger),
		Store:        s,
		StoreTimeout: 50 * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	_, err = processWithin(t, e, garageReading(8.5), 2*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// the key is not left locked and the next reading loads again once the store recovers
	s.stallFind = false
	res, err := processWithin(t, e, garageReading(8.5), 2*time.Second)
	if err != nil || res.Outcome != OutcomeAlerted {
		t.Fatalf("after recovery: %+v, %v", res, err)
	}
}

func TestProcessTimesOutOnStalledInsert(t *testing.T) {
	logger := zaptest.NewLogger(t)
	push := &recordingSender{channel: models.ChannelPush}
	s := &stalledStore{MemoryStore: store.NewMemoryStore(), stallInsert: true}
	e, err := NewEngine(EngineConfig{
		Thresholds:   StaticThresholds{models.SensorCO: {Max: models.Float(5.0), Unit: "ppm"}},
		Gate:         NewTracker(time.Minute, nil, logger),
		Store:        s,
		Dispatcher:   notify.NewDispatcher(time.Second, logger, push),
		Channels:     []models.Channel{models.ChannelPush},
		StoreTimeout: 50 * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	res, err := processWithin(t, e, garageReading(8.5), 2*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if res.Outcome != OutcomeAlerted || res.Dispatch == nil || !res.Dispatch.Success {
		t.Fatalf("alert must still be dispatched: %+v", res)
	}
}

func TestAsyncDispatchWait(t *testing.T) {
	push := &recordingSender{channel: models.ChannelPush}
	logger := zaptest.NewLogger(t)
	e, err := NewEngine(EngineConfig{
		Thresholds:    StaticThresholds{models.SensorCO: {Max: models.Float(5.0), Unit: "ppm"}},
		Gate:          NewTracker(time.Minute, nil, logger),
		Dispatcher:    notify.NewDispatcher(time.Second, logger, push),
		Channels:      []models.Channel{models.ChannelPush},
		AsyncDispatch: true,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	res, err := e.Process(context.Background(), garageReading(12))
	if err != nil || res.Dispatch != nil {
		t.Fatalf("async dispatch returns no dispatch result: %+v, %v", res, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	push.mu.Lock()
	defer push.mu.Unlock()
	if push.calls != 1 {
		t.Fatalf("expected one push, got %d", push.calls)
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	s := store.NewMemoryStore()
	bc := &notify.MemoryBroadcaster{}
	e := newTestEngine(t, clock, s, nil)
	l := NewLifecycle(s, bc, clock.Now, zaptest.NewLogger(t))

	res, _ := e.Process(ctx, garageReading(8.5))
	id := res.Alert.AlertID

	a, err := l.Acknowledge(ctx, id, "alice")
	if err != nil || a.Status != models.StatusAcknowledged || a.AcknowledgedBy != "alice" {
		t.Fatalf("Acknowledge = %+v, %v", a, err)
	}
	if _, err := l.Acknowledge(ctx, id, "bob"); err != nil {
		t.Fatalf("second acknowledge should succeed: %v", err)
	}
	a, err = l.Resolve(ctx, id, "alice")
	if err != nil || a.Status != models.StatusResolved || a.ResolvedAt == nil {
		t.Fatalf("Resolve = %+v, %v", a, err)
	}
	if _, err := l.Resolve(ctx, id, "alice"); err != nil {
		t.Fatalf("second resolve should succeed: %v", err)
	}
	if _, err := l.Acknowledge(ctx, id, "bob"); !errors.Is(err, models.ErrAlertResolved) {
		t.Fatalf("expected ErrAlertResolved, got %v", err)
	}
	if _, err := l.Resolve(ctx, "missing", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	names := bc.Names()
	if len(names) != 2 || names[0] != EventAlertAcknowledged || names[1] != EventAlertResolved {
		t.Fatalf("expected one event per real transition, got %v", names)
	}
}
