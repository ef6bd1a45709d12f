// Writes each ingested batch to a timestamped Parquet raw-artifact
// file, plus a "latest" alias copy.
package analyticsstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/yinkev/causalytics/internal/causalerr"
	"github.com/yinkev/causalytics/internal/eventschema"
)

// parquetRow is the on-disk columnar projection of BehavioralEvent.
// EventData is stored as its JSON-encoded string since parquet-go has
// no native arbitrary-map column type.
type parquetRow struct {
	ID                      string  `parquet:"id"`
	UserID                  string  `parquet:"user_id"`
	EventType               string  `parquet:"event_type"`
	EventData               string  `parquet:"event_data"`
	Timestamp               int64   `parquet:"timestamp,timestamp"`
	SessionPerformanceScore *int32  `parquet:"session_performance_score,optional"`
	CompletionQuality       *string `parquet:"completion_quality,optional"`
	EngagementLevel         *string `parquet:"engagement_level,optional"`
	DayOfWeek               *int32  `parquet:"day_of_week,optional"`
	TimeOfDay               *int32  `parquet:"time_of_day,optional"`
	ExperimentPhase         *string `parquet:"experiment_phase,optional"`
	RandomizationSeed       *int32  `parquet:"randomization_seed,optional"`
	ContextMetadataID       *string `parquet:"context_metadata_id,optional"`
	ContentType             *string `parquet:"content_type,optional"`
	DifficultyLevel         *string `parquet:"difficulty_level,optional"`
}

func toParquetRow(ev eventschema.BehavioralEvent) (parquetRow, error) {
	data, err := json.Marshal(ev.EventData)
	if err != nil {
		return parquetRow{}, err
	}
	return parquetRow{
		ID:                      ev.ID,
		UserID:                  ev.UserID,
		EventType:               ev.EventType,
		EventData:               string(data),
		Timestamp:               ev.Timestamp.UnixMilli(),
		SessionPerformanceScore: toInt32Ptr(ev.SessionPerformanceScore),
		CompletionQuality:       ev.CompletionQuality,
		EngagementLevel:         ev.EngagementLevel,
		DayOfWeek:               toInt32Ptr(ev.DayOfWeek),
		TimeOfDay:               toInt32Ptr(ev.TimeOfDay),
		ExperimentPhase:         ev.ExperimentPhase,
		RandomizationSeed:       toInt32Ptr(ev.RandomizationSeed),
		ContextMetadataID:       ev.ContextMetadataID,
		ContentType:             ev.ContentType,
		DifficultyLevel:         ev.DifficultyLevel,
	}, nil
}

func toInt32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	i := int32(*v)
	return &i
}

// ArtifactWriter writes behavioral event batches to Parquet raw-artifact
// files under dir, maintaining a "latest" alias.
type ArtifactWriter struct {
	dir string
	now func() time.Time
}

// NewArtifactWriter constructs a writer rooted at dir, creating it if
// absent.
func NewArtifactWriter(dir string) (*ArtifactWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "create raw artifact dir: %v", err)
	}
	return &ArtifactWriter{dir: dir, now: time.Now}, nil
}

// Write serializes events to a new timestamped Parquet file and
// refreshes the behavioral_events_latest.parquet alias. The alias is
// only advanced after the timestamped file has been fully written and
// closed, so a failed write never leaves "latest" pointing at a
// partial file.
func (w *ArtifactWriter) Write(events []eventschema.BehavioralEvent) (string, error) {
	rows := make([]parquetRow, 0, len(events))
	for _, ev := range events {
		row, err := toParquetRow(ev)
		if err != nil {
			return "", causalerr.Newf(causalerr.KindComputationError, "encode parquet row %s: %v", ev.ID, err)
		}
		rows = append(rows, row)
	}

	stamp := w.now().UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("behavioral_events_%s.parquet", stamp)
	path := filepath.Join(w.dir, name)

	if err := writeParquetFile(path, rows); err != nil {
		return "", err
	}

	aliasPath := filepath.Join(w.dir, "behavioral_events_latest.parquet")
	if err := copyFile(path, aliasPath); err != nil {
		return path, causalerr.Newf(causalerr.KindStoreUnavailable, "refresh latest alias: %v", err)
	}

	return path, nil
}

func writeParquetFile(path string, rows []parquetRow) error {
	f, err := os.Create(path)
	if err != nil {
		return causalerr.Newf(causalerr.KindStoreUnavailable, "create parquet file: %v", err)
	}
	defer f.Close()

	writer := parquet.NewGenericWriter[parquetRow](f)
	if _, err := writer.Write(rows); err != nil {
		return causalerr.Newf(causalerr.KindStoreUnavailable, "write parquet rows: %v", err)
	}
	if err := writer.Close(); err != nil {
		return causalerr.Newf(causalerr.KindStoreUnavailable, "close parquet writer: %v", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
