// Package alerting turns readings into alerts: threshold evaluation, cooldown
// gating, alert creation and the acknowledge/resolve lifecycle.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homewatch/metrics"
	"homewatch/models"
	"homewatch/notify"
	"homewatch/store"

	"go.uber.org/zap"
)

// ThresholdSource yields the active threshold config
type ThresholdSource interface {
	Current() models.ThresholdConfig
}

// StaticThresholds is a ThresholdSource that never changes
type StaticThresholds models.ThresholdConfig

func (s StaticThresholds) Current() models.ThresholdConfig { return models.ThresholdConfig(s) }

// Outcome of processing one reading
type Outcome string

const (
	OutcomeNoViolation Outcome = "no_violation"
	OutcomeSuppressed  Outcome = "suppressed"
	OutcomeAlerted     Outcome = "alerted"
)

// Result describes what the engine did with a reading. Dispatch is nil when
// dispatch runs asynchronously or no channels are configured.
type Result struct {
	Outcome   Outcome
	Violation *models.Violation
	Alert     *models.Alert
	Dispatch  *models.DispatchResult
}

// EngineConfig wires the engine's collaborators
type EngineConfig struct {
	Thresholds ThresholdSource
	Gate       Gate
	Store      store.AlertStore
	Dispatcher *notify.Dispatcher
	Channels   []models.Channel
	Recipients []string
	// StoreTimeout bounds every gate and store call made while processing a reading
	StoreTimeout time.Duration
	// AsyncDispatch runs fanout in the background; Wait blocks until it finishes
	AsyncDispatch bool
	Clock         func() time.Time
	Logger        *zap.Logger
}

// DefaultStoreTimeout is used when EngineConfig.StoreTimeout is not set
const DefaultStoreTimeout = 5 * time.Second

// Engine runs the evaluate, gate, create, persist and dispatch pipeline
type Engine struct {
	cfg     EngineConfig
	factory *Factory
	logger  *zap.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Thresholds == nil {
		return nil, fmt.Errorf("thresholds are required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("cooldown gate is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		factory: NewFactory(cfg.Clock),
		logger:  cfg.Logger,
		now:     cfg.Clock,
	}, nil
}

// Process takes one validated reading through the pipeline. Cooldown
// suppression is a normal outcome, not an error. An error is returned when the
// cooldown gate or the alert store fails or exceeds StoreTimeout.
func (e *Engine) Process(ctx context.Context, r models.Reading) (Result, error) {
	start := time.Now()
	defer func() { metrics.ProcessingLatency.Observe(time.Since(start).Seconds()) }()

	v := Evaluate(r, e.cfg.Thresholds.Current())
	if v == nil {
		return Result{Outcome: OutcomeNoViolation}, nil
	}
	metrics.ViolationsDetected.WithLabelValues(string(v.SensorType), v.BoundExceeded.ViolationType()).Inc()

	key := v.Key()
	gateCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	allowed, err := e.cfg.Gate.Allow(gateCtx, key, e.now())
	cancel()
	if err != nil {
		return Result{Violation: v}, fmt.Errorf("cooldown gate: %w", err)
	}
	if !allowed {
		metrics.AlertsSuppressed.WithLabelValues(string(v.SensorType)).Inc()
		e.logger.Debug("Alert suppressed by cooldown",
			zap.String("cooldown_key", key.String()),
			zap.Float64("value", v.Value))
		return Result{Outcome: OutcomeSuppressed, Violation: v}, nil
	}

	alert := e.factory.Create(v)
	metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
	e.logger.Warn("Alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("sensor_id", alert.SensorID),
		zap.String("room", alert.Room),
		zap.String("alert_type", alert.AlertType()),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("value", alert.CurrentValue),
		zap.Float64("threshold", alert.ThresholdValue))

	res := Result{Outcome: OutcomeAlerted, Violation: v, Alert: alert}

	var persistErr error
	if e.cfg.Store != nil {
		insertCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		_, err := e.cfg.Store.Insert(insertCtx, alert)
		cancel()
		if err != nil {
			// operators are still notified
			persistErr = fmt.Errorf("persist alert %s: %w", alert.AlertID, err)
			e.logger.Error("Failed to persist alert", zap.String("alert_id", alert.AlertID), zap.Error(err))
		}
	}

	if e.cfg.Dispatcher != nil && len(e.cfg.Channels) > 0 {
		job := notify.NewJob(alert, e.cfg.Channels, e.cfg.Recipients)
		if e.cfg.AsyncDispatch {
			dctx := context.WithoutCancel(ctx)
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.cfg.Dispatcher.Dispatch(dctx, job)
			}()
		} else {
			d := e.cfg.Dispatcher.Dispatch(ctx, job)
			res.Dispatch = &d
		}
	}
	return res, persistErr
}

// Wait blocks until background dispatches finish or ctx is done
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoaderFromStore seeds a cooldown Tracker from persisted alerts
func LoaderFromStore(s store.AlertStore) LastAlertLoader {
	return func(ctx context.Context, key models.CooldownKey, since time.Time) (time.Time, bool, error) {
		a, err := s.FindRecent(ctx, key, since)
		if err != nil {
			return time.Time{}, false, err
		}
		if a == nil {
			return time.Time{}, false, nil
		}
		return a.CreatedAt, true, nil
	}
}
