package eventschema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yinkev/causalytics/internal/causalerr"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func validEvent() BehavioralEvent {
	return BehavioralEvent{
		ID:        "c000000000000000000000001",
		UserID:    "c000000000000000000000002",
		EventType: "CARD_REVIEWED",
		EventData: map[string]interface{}{"k": "v"},
		Timestamp: fixedNow().Add(-24 * time.Hour),
	}
}

func TestValidate_AllValid(t *testing.T) {
	v := New(fixedNow)
	events := []BehavioralEvent{validEvent(), validEvent()}

	report, valid, err := v.Validate(events, ReportMode)
	require.NoError(t, err)
	require.Equal(t, 2, report.TotalRows)
	require.Equal(t, 2, report.ValidRows)
	require.Equal(t, 0, report.InvalidRows)
	require.Len(t, valid, 2)
}

func TestValidate_FutureTimestamp_ReportMode(t *testing.T) {
	v := New(fixedNow)
	ev := validEvent()
	ev.Timestamp = fixedNow().Add(24 * time.Hour)

	report, valid, err := v.Validate([]BehavioralEvent{ev}, ReportMode)
	require.NoError(t, err)
	require.Equal(t, 1, report.InvalidRows)
	require.Len(t, valid, 0)
	require.Equal(t, "timestamp_not_future", report.Errors[0].Check)
}

func TestValidate_FutureTimestamp_StrictMode(t *testing.T) {
	v := New(fixedNow)
	ev := validEvent()
	ev.Timestamp = fixedNow().Add(24 * time.Hour)

	_, _, err := v.Validate([]BehavioralEvent{ev}, StrictMode)
	require.Error(t, err)
	ce := causalerr.As(err)
	require.NotNil(t, ce)
	require.Equal(t, causalerr.KindValidationError, ce.Kind)
}

func TestValidate_TimestampTooOld(t *testing.T) {
	v := New(fixedNow)
	ev := validEvent()
	ev.Timestamp = fixedNow().AddDate(-6, 0, 0)

	report, _, err := v.Validate([]BehavioralEvent{ev}, ReportMode)
	require.NoError(t, err)
	require.Equal(t, 1, report.InvalidRows)
}

func TestValidate_UnknownEventType(t *testing.T) {
	v := New(fixedNow)
	ev := validEvent()
	ev.EventType = "NOT_A_TYPE"

	report, _, err := v.Validate([]BehavioralEvent{ev}, ReportMode)
	require.NoError(t, err)
	require.Equal(t, 1, report.InvalidRows)
}

func TestValidate_ExperimentPhaseRequiresMetadata(t *testing.T) {
	v := New(fixedNow)
	ev := validEvent()
	phase := "baseline_1"
	ev.ExperimentPhase = &phase
	// ContextMetadataID deliberately left nil.

	report, _, err := v.Validate([]BehavioralEvent{ev}, ReportMode)
	require.NoError(t, err)
	require.Equal(t, 1, report.InvalidRows)
	found := false
	for _, f := range report.Errors {
		if f.Check == "experiment_phase_requires_metadata" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidate_ExperimentPhaseWithMetadata_OK(t *testing.T) {
	v := New(fixedNow)
	ev := validEvent()
	phase := "baseline_1"
	meta := "c000000000000000000000003"
	ev.ExperimentPhase = &phase
	ev.ContextMetadataID = &meta

	report, valid, err := v.Validate([]BehavioralEvent{ev}, ReportMode)
	require.NoError(t, err)
	require.Equal(t, 0, report.InvalidRows)
	require.Len(t, valid, 1)
}

func TestValidate_SessionPerformanceScoreRange(t *testing.T) {
	v := New(fixedNow)
	ev := validEvent()
	score := 150
	ev.SessionPerformanceScore = &score

	report, _, err := v.Validate([]BehavioralEvent{ev}, ReportMode)
	require.NoError(t, err)
	require.Equal(t, 1, report.InvalidRows)
}

func TestValidate_InvalidCUID(t *testing.T) {
	v := New(fixedNow)
	ev := validEvent()
	ev.ID = "not-a-cuid"

	report, _, err := v.Validate([]BehavioralEvent{ev}, ReportMode)
	require.NoError(t, err)
	require.Equal(t, 1, report.InvalidRows)
	require.Equal(t, "id", report.Errors[0].Column)
}
