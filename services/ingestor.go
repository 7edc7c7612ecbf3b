package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"homewatch/alerting"
	"homewatch/metrics"
	"homewatch/models"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ErrIngestorStopped is returned by Submit after Stop
var ErrIngestorStopped = errors.New("ingestor stopped")

// ReadingProcessor runs one reading through the alert pipeline
type ReadingProcessor interface {
	Process(ctx context.Context, r models.Reading) (alerting.Result, error)
}

// IngestorOptions wire the optional consumers of accepted readings
type IngestorOptions struct {
	Workers   int
	QueueSize int
	Watchdog  *SensorWatchdog
	// Archive receives every accepted reading; sends never block ingestion
	Archive chan<- models.Reading
	Logger  *zap.Logger
}

type ingestJob struct {
	ctx     context.Context
	source  string
	reading models.Reading
}

// Ingestor runs a fixed pool of workers. All readings of one sensor go to the
// same worker so they are evaluated in arrival order.
type Ingestor struct {
	processor ReadingProcessor
	opts      IngestorOptions
	logger    *zap.Logger
	queues    []chan ingestJob

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewIngestor(processor ReadingProcessor, opts IngestorOptions) *Ingestor {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	in := &Ingestor{
		processor: processor,
		opts:      opts,
		logger:    opts.Logger,
		queues:    make([]chan ingestJob, opts.Workers),
	}
	for i := range in.queues {
		in.queues[i] = make(chan ingestJob, opts.QueueSize)
	}
	return in
}

// Start launches the workers
func (in *Ingestor) Start() {
	in.logger.Info("Starting ingest workers", zap.Int("workers", len(in.queues)))
	for i, q := range in.queues {
		in.wg.Add(1)
		go in.worker(i, q)
	}
}

// Submit validates a reading and queues it for its sensor's worker. Invalid
// readings are rejected synchronously.
func (in *Ingestor) Submit(ctx context.Context, source string, r models.Reading) error {
	if err := r.Validate(); err != nil {
		metrics.ReadingsIngested.WithLabelValues(source, "invalid").Inc()
		return err
	}

	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.stopped {
		return ErrIngestorStopped
	}

	q := in.queues[in.workerFor(r.SensorID)]
	select {
	case q <- ingestJob{ctx: context.WithoutCancel(ctx), source: source, reading: r}:
		metrics.ReadingsIngested.WithLabelValues(source, "accepted").Inc()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue reading %s: %w", r.SensorID, ctx.Err())
	}
}

// Handler adapts Submit to the transport subscription callback
func (in *Ingestor) Handler() ReadingHandler {
	return in.Submit
}

func (in *Ingestor) workerFor(sensorID string) int {
	return int(xxhash.Sum64String(sensorID) % uint64(len(in.queues)))
}

func (in *Ingestor) worker(id int, q <-chan ingestJob) {
	defer in.wg.Done()
	for job := range q {
		in.handle(id, job)
	}
}

func (in *Ingestor) handle(worker int, job ingestJob) {
	r := job.reading
	if in.opts.Watchdog != nil {
		in.opts.Watchdog.Observe(r)
	}
	if in.opts.Archive != nil {
		select {
		case in.opts.Archive <- r:
		default:
			in.logger.Warn("Archive queue full, reading not archived", zap.String("sensor_id", r.SensorID))
		}
	}

	res, err := in.processor.Process(job.ctx, r)
	if err != nil {
		in.logger.Error("Failed to process reading",
			zap.Int("worker", worker),
			zap.String("source", job.source),
			zap.String("sensor_id", r.SensorID),
			zap.Error(err))
		return
	}
	in.logger.Debug("Reading processed",
		zap.Int("worker", worker),
		zap.String("sensor_id", r.SensorID),
		zap.String("outcome", string(res.Outcome)))
}

// Stop rejects new readings, lets the workers finish their queues and waits
// for them or for ctx
func (in *Ingestor) Stop(ctx context.Context) error {
	in.mu.Lock()
	if !in.stopped {
		in.stopped = true
		for _, q := range in.queues {
			close(q)
		}
	}
	in.mu.Unlock()

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		in.logger.Info("Ingest workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
