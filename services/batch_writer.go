package services

import (
	"context"
	"sync"
	"time"

	"homewatch/metrics"
	"homewatch/models"
	"homewatch/store"

	"go.uber.org/zap"
)

// BatchWriterService batches ingested readings and writes them to the reading archive
type BatchWriterService struct {
	archive      store.ReadingArchive
	logger       *zap.Logger
	buffer       []models.Reading
	bufferMutex  sync.Mutex
	flushTimer   *time.Timer
	maxBatchSize int
	batchTimeout time.Duration
	writeTimeout time.Duration
	retryBackoff time.Duration
	shutdownChan chan bool
}

// NewBatchWriterService creates a new batch writer service. writeTimeout bounds each archive write attempt.
func NewBatchWriterService(archive store.ReadingArchive, batchSize int, batchTimeout, writeTimeout time.Duration, logger *zap.Logger) *BatchWriterService {
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &BatchWriterService{
		archive:      archive,
		logger:       logger,
		buffer:       make([]models.Reading, 0, batchSize),
		maxBatchSize: batchSize,
		batchTimeout: batchTimeout,
		writeTimeout: writeTimeout,
		retryBackoff: time.Second,
		shutdownChan: make(chan bool, 1),
	}
}

// Start begins the batch writer service
func (bw *BatchWriterService) Start(ctx context.Context, readings <-chan models.Reading) {
	bw.logger.Info("Starting batch writer service",
		zap.Int("max_batch_size", bw.maxBatchSize),
		zap.Duration("batch_timeout", bw.batchTimeout))

	bw.flushTimer = time.NewTimer(bw.batchTimeout)
	defer bw.flushTimer.Stop()

	// the archive write on shutdown must outlive ctx
	flushCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("Batch writer received shutdown signal")
			bw.flushBuffer(flushCtx)
			bw.shutdownChan <- true
			return

		case reading, ok := <-readings:
			if !ok {
				bw.logger.Warn("Reading channel closed")
				bw.flushBuffer(flushCtx)
				bw.shutdownChan <- true
				return
			}

			bw.bufferMutex.Lock()
			bw.buffer = append(bw.buffer, reading)
			currentSize := len(bw.buffer)
			bw.bufferMutex.Unlock()

			if currentSize >= bw.maxBatchSize {
				bw.logger.Debug("Buffer full, flushing to archive",
					zap.Int("buffer_size", currentSize))

				if !bw.flushTimer.Stop() {
					select {
					case <-bw.flushTimer.C:
					default:
					}
				}

				bw.flushBuffer(ctx)
				bw.flushTimer.Reset(bw.batchTimeout)
			}

		case <-bw.flushTimer.C:
			if bw.GetBufferSize() > 0 {
				bw.flushBuffer(ctx)
			}
			bw.flushTimer.Reset(bw.batchTimeout)
		}
	}
}

// flushBuffer writes the current buffer to the archive and clears it
func (bw *BatchWriterService) flushBuffer(ctx context.Context) {
	bw.bufferMutex.Lock()
	if len(bw.buffer) == 0 {
		bw.bufferMutex.Unlock()
		return
	}
	batch := make([]models.Reading, len(bw.buffer))
	copy(batch, bw.buffer)
	bw.buffer = bw.buffer[:0]
	bw.bufferMutex.Unlock()

	maxRetries := 3
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, bw.writeTimeout)
		err = bw.archive.InsertReadings(writeCtx, batch)
		cancel()
		if err == nil {
			metrics.ReadingsArchived.WithLabelValues("written").Add(float64(len(batch)))
			bw.logger.Debug("Flushed reading batch to archive",
				zap.Int("batch_size", len(batch)))
			return
		}

		bw.logger.Error("Failed to flush reading batch",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * bw.retryBackoff)
		}
	}

	metrics.ReadingsArchived.WithLabelValues("dropped").Add(float64(len(batch)))
	bw.logger.Error("Failed to flush batch after all retries, readings dropped",
		zap.Int("batch_size", len(batch)),
		zap.Error(err))
}

// WaitForShutdown waits for the batch writer to complete shutdown
func (bw *BatchWriterService) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-bw.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetBufferSize returns the current buffer size
func (bw *BatchWriterService) GetBufferSize() int {
	bw.bufferMutex.Lock()
	defer bw.bufferMutex.Unlock()
	return len(bw.buffer)
}
