package analyticsstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yinkev/causalytics/internal/eventschema"
)

func TestArtifactWriter_WritesTimestampedFileAndLatestAlias(t *testing.T) {
	dir := t.TempDir()
	w, err := NewArtifactWriter(dir)
	require.NoError(t, err)

	callCount := 0
	stamps := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	w.now = func() time.Time {
		ts := stamps[callCount]
		callCount++
		return ts
	}

	events := []eventschema.BehavioralEvent{
		{ID: "c000000000000000000000001", UserID: "c000000000000000000000002", EventType: "CARD_REVIEWED", EventData: map[string]interface{}{"k": "v"}, Timestamp: time.Now()},
	}

	path1, err := w.Write(events)
	require.NoError(t, err)
	require.FileExists(t, path1)

	aliasPath := filepath.Join(dir, "behavioral_events_latest.parquet")
	require.FileExists(t, aliasPath)

	info1, err := os.Stat(aliasPath)
	require.NoError(t, err)

	path2, err := w.Write(events)
	require.NoError(t, err)
	require.NotEqual(t, path1, path2)

	info2, err := os.Stat(aliasPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, info2.Size(), int64(0))
	_ = info1
}
