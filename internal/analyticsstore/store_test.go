package analyticsstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yinkev/causalytics/internal/eventschema"
)

func scorePtr(v int) *int { return &v }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_IngestAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []eventschema.BehavioralEvent{
		{
			ID: "c000000000000000000000001", UserID: "c000000000000000000000010",
			EventType: "CARD_REVIEWED", EventData: map[string]interface{}{"k": "v"},
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			SessionPerformanceScore: scorePtr(80),
		},
		{
			ID: "c000000000000000000000002", UserID: "c000000000000000000000010",
			EventType: "MISSION_COMPLETED", EventData: map[string]interface{}{"k": "v"},
			Timestamp: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			SessionPerformanceScore: scorePtr(90),
		},
	}

	warnings, err := s.Ingest(ctx, events)
	require.NoError(t, err)
	require.Empty(t, warnings)

	summary, err := s.GetSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalEvents)
	require.Equal(t, 1, summary.UniqueUsers)
	require.ElementsMatch(t, []string{"CARD_REVIEWED", "MISSION_COMPLETED"}, summary.EventTypes)
}

func TestStore_IngestIsIdempotentByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := eventschema.BehavioralEvent{
		ID: "c000000000000000000000001", UserID: "c000000000000000000000010",
		EventType: "CARD_REVIEWED", EventData: map[string]interface{}{"k": "v"},
		Timestamp:               time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SessionPerformanceScore: scorePtr(80),
	}

	_, err := s.Ingest(ctx, []eventschema.BehavioralEvent{ev})
	require.NoError(t, err)

	ev.SessionPerformanceScore = scorePtr(95)
	_, err = s.Ingest(ctx, []eventschema.BehavioralEvent{ev})
	require.NoError(t, err)

	summary, err := s.GetSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalEvents)

	series, err := s.ReadMetricSeries(ctx, "c000000000000000000000010", "sessionPerformanceScore", nil, nil)
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Equal(t, 95.0, series[0].Value)
}

func TestStore_ReadMetricSeries_UnknownMetric(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadMetricSeries(context.Background(), "user", "notARealMetric", nil, nil)
	require.Error(t, err)
}

func TestStore_ReadPhaseSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	phaseA := "baseline_1"
	meta := "c000000000000000000000099"
	events := []eventschema.BehavioralEvent{
		{
			ID: "c000000000000000000000001", UserID: "c000000000000000000000010",
			EventType: "CARD_REVIEWED", EventData: map[string]interface{}{"k": "v"},
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			SessionPerformanceScore: scorePtr(80), ExperimentPhase: &phaseA, ContextMetadataID: &meta,
		},
		{
			ID: "c000000000000000000000002", UserID: "c000000000000000000000010",
			EventType: "CARD_REVIEWED", EventData: map[string]interface{}{"k": "v"},
			Timestamp: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			SessionPerformanceScore: scorePtr(85),
		},
	}
	_, err := s.Ingest(ctx, events)
	require.NoError(t, err)

	series, err := s.ReadPhaseSeries(ctx, "c000000000000000000000010", "sessionPerformanceScore")
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Equal(t, "baseline_1", series[0].Phase)
}
