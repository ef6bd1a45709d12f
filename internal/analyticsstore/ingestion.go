// Async behavioral event ingestion pipeline with buffered writes,
// backpressure, retry logic, and graceful shutdown.
package analyticsstore

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yinkev/causalytics/internal/eventschema"
)

// Sink is the destination for validated behavioral event batches.
type Sink interface {
	WriteEvents(ctx context.Context, events []eventschema.BehavioralEvent) error
	Close() error
}

// PipelineConfig controls batching and backpressure behavior.
type PipelineConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	Workers       int
}

// DefaultPipelineConfig returns production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BufferSize:    20000,
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		Workers:       2,
	}
}

// Pipeline is the async behavioral event ingestion engine.
type Pipeline struct {
	logger zerolog.Logger
	config PipelineConfig
	sink   Sink

	eventCh chan eventschema.BehavioralEvent

	wg     sync.WaitGroup
	cancel context.CancelFunc

	eventsReceived int64
	eventsWritten  int64
	eventsDropped  int64
	flushErrors    int64
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(logger zerolog.Logger, sink Sink, config ...PipelineConfig) *Pipeline {
	cfg := DefaultPipelineConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Pipeline{
		logger:  logger.With().Str("component", "analytics-ingestion-pipeline").Logger(),
		config:  cfg,
		sink:    sink,
		eventCh: make(chan eventschema.BehavioralEvent, cfg.BufferSize),
	}
}

// Start launches the pipeline workers.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info().
		Int("workers", p.config.Workers).
		Int("buffer_size", p.config.BufferSize).
		Int("batch_size", p.config.BatchSize).
		Dur("flush_interval", p.config.FlushInterval).
		Msg("behavioral event pipeline started")
}

// Stop gracefully shuts down the pipeline, flushing remaining events.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.drain()

	if p.sink != nil {
		_ = p.sink.Close()
	}

	p.logger.Info().
		Int64("received", p.eventsReceived).
		Int64("written", p.eventsWritten).
		Int64("dropped", p.eventsDropped).
		Int64("flush_errors", p.flushErrors).
		Msg("behavioral event pipeline stopped")
}

// Submit enqueues an event. Non-blocking: drops the event if the buffer
// is full, incrementing eventsDropped.
func (p *Pipeline) Submit(ev eventschema.BehavioralEvent) {
	select {
	case p.eventCh <- ev:
		atomic.AddInt64(&p.eventsReceived, 1)
	default:
		atomic.AddInt64(&p.eventsDropped, 1)
		p.logger.Warn().Str("id", ev.ID).Msg("behavioral event dropped: buffer full")
	}
}

// SubmitBatch writes a batch of already-validated events synchronously,
// bypassing channel buffering.
func (p *Pipeline) SubmitBatch(ctx context.Context, events []eventschema.BehavioralEvent) error {
	atomic.AddInt64(&p.eventsReceived, int64(len(events)))
	return p.flush(ctx, events)
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]eventschema.BehavioralEvent, 0, p.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				_ = p.flush(context.Background(), batch)
			}
			return

		case ev := <-p.eventCh:
			batch = append(batch, ev)
			if len(batch) >= p.config.BatchSize {
				_ = p.flush(context.Background(), batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				_ = p.flush(context.Background(), batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) flush(parent context.Context, batch []eventschema.BehavioralEvent) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err = p.sink.WriteEvents(ctx, batch)
		if err == nil {
			atomic.AddInt64(&p.eventsWritten, int64(len(batch)))
			return nil
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Int("batch_size", len(batch)).Msg("behavioral event flush failed")
		if attempt < p.config.MaxRetries {
			time.Sleep(p.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}

	atomic.AddInt64(&p.flushErrors, 1)
	atomic.AddInt64(&p.eventsDropped, int64(len(batch)))
	p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("behavioral event batch dropped after retries")
	return err
}

func (p *Pipeline) drain() {
	batch := make([]eventschema.BehavioralEvent, 0, p.config.BatchSize)
	for {
		select {
		case ev := <-p.eventCh:
			batch = append(batch, ev)
			if len(batch) >= p.config.BatchSize {
				_ = p.flush(context.Background(), batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				_ = p.flush(context.Background(), batch)
			}
			return
		}
	}
}

// PipelineStats reports pipeline counters.
type PipelineStats struct {
	EventsReceived int64 `json:"events_received"`
	EventsWritten  int64 `json:"events_written"`
	EventsDropped  int64 `json:"events_dropped"`
	FlushErrors    int64 `json:"flush_errors"`
	BufferLen      int   `json:"buffer_len"`
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		EventsReceived: atomic.LoadInt64(&p.eventsReceived),
		EventsWritten:  atomic.LoadInt64(&p.eventsWritten),
		EventsDropped:  atomic.LoadInt64(&p.eventsDropped),
		FlushErrors:    atomic.LoadInt64(&p.flushErrors),
		BufferLen:      len(p.eventCh),
	}
}

// LogSink writes events as structured JSON logs (a development/fallback
// sink).
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

func (s *LogSink) WriteEvents(_ context.Context, events []eventschema.BehavioralEvent) error {
	for _, e := range events {
		data, _ := json.Marshal(e)
		s.logger.Debug().RawJSON("event", data).Msg("behavioral_event")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// StoreSink adapts a *Store to the Sink interface.
type StoreSink struct {
	store *Store
}

func NewStoreSink(store *Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) WriteEvents(ctx context.Context, events []eventschema.BehavioralEvent) error {
	_, err := s.store.Ingest(ctx, events)
	return err
}

func (s *StoreSink) Close() error { return nil }
