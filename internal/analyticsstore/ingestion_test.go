package analyticsstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yinkev/causalytics/internal/eventschema"
)

type recordingSink struct {
	mu     sync.Mutex
	events []eventschema.BehavioralEvent
	fail   int
}

func (s *recordingSink) WriteEvents(_ context.Context, events []eventschema.BehavioralEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errTransient
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errTransient = sentinelErr("transient failure")

func TestPipeline_SubmitBatchFlushesSynchronously(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(zerolog.Nop(), sink)

	ev := eventschema.BehavioralEvent{ID: "c000000000000000000000001", UserID: "c000000000000000000000002", EventType: "CARD_REVIEWED", Timestamp: time.Now()}
	err := p.SubmitBatch(context.Background(), []eventschema.BehavioralEvent{ev})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())
	require.Equal(t, int64(1), p.Stats().EventsWritten)
}

func TestPipeline_SubmitDropsWhenBufferFull(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultPipelineConfig()
	cfg.BufferSize = 1
	cfg.Workers = 0
	p := NewPipeline(zerolog.Nop(), sink, cfg)

	ev := eventschema.BehavioralEvent{ID: "c000000000000000000000001", UserID: "c000000000000000000000002", EventType: "CARD_REVIEWED", Timestamp: time.Now()}
	p.Submit(ev)
	p.Submit(ev)

	require.Equal(t, int64(1), p.Stats().EventsDropped)
}

func TestPipeline_FlushRetriesThenSucceeds(t *testing.T) {
	sink := &recordingSink{fail: 2}
	cfg := DefaultPipelineConfig()
	cfg.RetryDelay = time.Millisecond
	p := NewPipeline(zerolog.Nop(), sink, cfg)

	ev := eventschema.BehavioralEvent{ID: "c000000000000000000000001", UserID: "c000000000000000000000002", EventType: "CARD_REVIEWED", Timestamp: time.Now()}
	err := p.SubmitBatch(context.Background(), []eventschema.BehavioralEvent{ev})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())
}
