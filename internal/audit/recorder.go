// Package audit streams account lifecycle transitions to an append-only
// sink. Recording is fire-and-forget: a slow or absent sink never blocks
// pool operations.
package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/models"
)

// Default recorder configuration values.
const (
	DefaultFlushInterval = 2 * time.Second
	DefaultBatchSize     = 100
	DefaultBufferSize    = 1000
	flushTimeout         = 5 * time.Second
)

// Sink receives batches of transition events. Implemented by
// storage.EventRepository.
type Sink interface {
	BatchInsert(ctx context.Context, events []*models.TransitionEvent) error
}

// Recorder buffers transition events and flushes them to the sink in
// batches. A nil *Recorder is valid and drops everything, which is how the
// pool runs when the audit sink is disabled.
type Recorder struct {
	sink          Sink
	flushInterval time.Duration
	batchSize     int
	logger        *logging.Logger

	events  chan *models.TransitionEvent
	stopCh  chan struct{}
	doneCh  chan struct{}
	dropped int64
}

// RecorderConfig holds configuration for the recorder.
type RecorderConfig struct {
	// Sink receives the event batches. Required.
	Sink Sink

	// FlushInterval is how often buffered events are flushed regardless of
	// batch size. Default: 2s.
	FlushInterval time.Duration

	// BatchSize triggers an early flush once this many events are buffered.
	// Default: 100.
	BatchSize int

	// BufferSize is the channel capacity between producers and the flush
	// loop. Events beyond it are dropped, not blocked on. Default: 1000.
	BufferSize int

	// Logger is used for flush failures. Default: the global logger.
	Logger *logging.Logger
}

// NewRecorder creates a new recorder with the given configuration.
func NewRecorder(cfg *RecorderConfig) (*Recorder, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink is required")
	}

	flushInterval := cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = DefaultFlushInterval
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	bufferSize := cfg.BufferSize
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Recorder{
		sink:          cfg.Sink,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		logger:        logger,
		events:        make(chan *models.TransitionEvent, bufferSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Start begins the background flush loop.
func (r *Recorder) Start() {
	if r == nil {
		return
	}
	go r.run()
}

// Stop flushes buffered events and waits for the loop to exit.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

// Record queues one event for the next flush. When the buffer is full the
// event is dropped; the audit trail is best-effort and must never stall a
// lease operation.
func (r *Recorder) Record(event *models.TransitionEvent) {
	if r == nil || event == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	select {
	case r.events <- event:
	default:
		atomic.AddInt64(&r.dropped, 1)
		r.logger.WithField("account_id", event.AccountID).Warn("Audit buffer full, dropping event")
	}
}

// Dropped reports how many events were discarded on a full buffer since the
// recorder started. Zero on a nil recorder.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return atomic.LoadInt64(&r.dropped)
}

// run is the main loop that batches and flushes events.
func (r *Recorder) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*models.TransitionEvent, 0, r.batchSize)

	for {
		select {
		case event := <-r.events:
			batch = append(batch, event)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stopCh:
			// Drain whatever producers managed to queue before Stop.
			for {
				select {
				case event := <-r.events:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						r.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush writes one batch to the sink.
func (r *Recorder) flush(batch []*models.TransitionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := r.sink.BatchInsert(ctx, batch); err != nil {
		r.logger.WithError(err).WithField("batch_size", len(batch)).Warn("Failed to flush audit events")
	}
}
