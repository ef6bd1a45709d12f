package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yinkev/causalytics/internal/eventschema"
)

func TestReadEvents_ParsesNDJSONAndSkipsBlankLines(t *testing.T) {
	input := strings.NewReader(`{"ID":"e1","UserID":"u1","EventType":"SESSION_ENDED","Timestamp":"2026-01-01T00:00:00Z"}

{"ID":"e2","UserID":"u2","EventType":"SESSION_STARTED","Timestamp":"2026-01-02T00:00:00Z"}
`)
	events, err := readEvents(input)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "e1", events[0].ID)
	require.Equal(t, "u2", events[1].UserID)
}

func TestReadEvents_RejectsMalformedJSON(t *testing.T) {
	_, err := readEvents(strings.NewReader(`{not json`))
	require.Error(t, err)
}

func TestFilterEvents_ByUserID(t *testing.T) {
	events := []eventschema.BehavioralEvent{
		{ID: "e1", UserID: "u1", Timestamp: time.Now()},
		{ID: "e2", UserID: "u2", Timestamp: time.Now()},
	}
	out := filterEvents(events, 0, "u1")
	require.Len(t, out, 1)
	require.Equal(t, "e1", out[0].ID)
}

func TestFilterEvents_ByDaysWindow(t *testing.T) {
	now := time.Now()
	events := []eventschema.BehavioralEvent{
		{ID: "old", UserID: "u1", Timestamp: now.AddDate(0, 0, -30)},
		{ID: "recent", UserID: "u1", Timestamp: now.AddDate(0, 0, -1)},
	}
	out := filterEvents(events, 7, "")
	require.Len(t, out, 1)
	require.Equal(t, "recent", out[0].ID)
}

func TestFilterEvents_NoFiltersReturnsAll(t *testing.T) {
	events := []eventschema.BehavioralEvent{{ID: "e1"}, {ID: "e2"}}
	out := filterEvents(events, 0, "")
	require.Len(t, out, 2)
}
