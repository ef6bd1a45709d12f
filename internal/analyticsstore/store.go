// Package analyticsstore is an embedded analytics store backed by
// modernc.org/sqlite. It materializes validated batches, maintains
// indexes, and serves the per-user metric reads the analysis engines
// depend on.
package analyticsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yinkev/causalytics/internal/causalerr"
	"github.com/yinkev/causalytics/internal/eventschema"
)

// metricColumns whitelists the numeric columns analyses may request as
// outcomeMetric, preventing the dynamic column name from ever reaching
// the query as unsanitized input.
var metricColumns = map[string]string{
	"sessionPerformanceScore": "session_performance_score",
	"dayOfWeek":               "day_of_week",
	"timeOfDay":               "time_of_day",
}

// Store wraps the embedded SQLite database holding behavioral_events and
// runs. Ingestion is serialized per store file (§5) via ingestMu.
type Store struct {
	db       *sql.DB
	ingestMu sync.Mutex
}

// Open opens (creating if absent) the embedded store at path and
// ensures its schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "open analytics store: %v", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, stmt := range AllSchemas() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return causalerr.Newf(causalerr.KindStoreUnavailable, "init schema: %v", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle so the run registry can
// share the same embedded SQLite file rather than opening a second
// connection to it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Summary reports the store's aggregate contract: total_events,
// unique_users, event_types, earliest, latest.
type Summary struct {
	TotalEvents int       `json:"total_events"`
	UniqueUsers int       `json:"unique_users"`
	EventTypes  []string  `json:"event_types"`
	Earliest    time.Time `json:"earliest"`
	Latest      time.Time `json:"latest"`
}

// IndexWarning is returned (non-fatal) when index creation fails after a
// successful table write — §4.2's "warning-level, non-fatal" contract.
type IndexWarning struct {
	Index string
	Err   error
}

// Ingest writes a validated batch into behavioral_events, keyed by id so
// re-ingesting the same window is idempotent by row set (an upsert via
// ON CONFLICT(id) DO UPDATE). Indexes are (re)created after the bulk
// write; a failure there is reported as a warning, not a fatal error —
// the row write itself has already committed.
func (s *Store) Ingest(ctx context.Context, events []eventschema.BehavioralEvent) ([]IndexWarning, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "begin ingest tx: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO behavioral_events (
			id, user_id, event_type, event_data, timestamp,
			session_performance_score, completion_quality, engagement_level,
			day_of_week, time_of_day, experiment_phase, randomization_seed,
			context_metadata_id, content_type, difficulty_level
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, event_type=excluded.event_type,
			event_data=excluded.event_data, timestamp=excluded.timestamp,
			session_performance_score=excluded.session_performance_score,
			completion_quality=excluded.completion_quality,
			engagement_level=excluded.engagement_level,
			day_of_week=excluded.day_of_week, time_of_day=excluded.time_of_day,
			experiment_phase=excluded.experiment_phase,
			randomization_seed=excluded.randomization_seed,
			context_metadata_id=excluded.context_metadata_id,
			content_type=excluded.content_type,
			difficulty_level=excluded.difficulty_level
	`)
	if err != nil {
		return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "prepare ingest: %v", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		eventData, err := json.Marshal(ev.EventData)
		if err != nil {
			return nil, causalerr.Newf(causalerr.KindComputationError, "marshal eventData for %s: %v", ev.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			ev.ID, ev.UserID, ev.EventType, string(eventData), ev.Timestamp,
			ev.SessionPerformanceScore, ev.CompletionQuality, ev.EngagementLevel,
			ev.DayOfWeek, ev.TimeOfDay, ev.ExperimentPhase, ev.RandomizationSeed,
			ev.ContextMetadataID, ev.ContentType, ev.DifficultyLevel,
		)
		if err != nil {
			return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "insert event %s: %v", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "commit ingest tx: %v", err)
	}

	var warnings []IndexWarning
	indexStmts := map[string]string{
		"idx_behavioral_events_user_time":       BehavioralEventsUserTimeIndex,
		"idx_behavioral_events_event_type":       BehavioralEventsEventTypeIndex,
		"idx_behavioral_events_experiment_phase": BehavioralEventsExperimentPhaseIndex,
	}
	for name, ddl := range indexStmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			warnings = append(warnings, IndexWarning{Index: name, Err: err})
		}
	}

	return warnings, nil
}

// GetSummary computes the store's current summary contract.
func (s *Store) GetSummary(ctx context.Context) (Summary, error) {
	var sum Summary
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT user_id)
		FROM behavioral_events
	`)
	if err := row.Scan(&sum.TotalEvents, &sum.UniqueUsers); err != nil {
		return Summary{}, causalerr.Newf(causalerr.KindStoreUnavailable, "summary query: %v", err)
	}
	// MIN/MAX(timestamp) would lose the column's DATETIME type and come back
	// as text, so the bounds are read as plain column values instead.
	for _, b := range []struct {
		order string
		dst   *time.Time
	}{{"ASC", &sum.Earliest}, {"DESC", &sum.Latest}} {
		err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM behavioral_events ORDER BY timestamp `+b.order+` LIMIT 1`).Scan(b.dst)
		if err != nil && err != sql.ErrNoRows {
			return Summary{}, causalerr.Newf(causalerr.KindStoreUnavailable, "summary bounds query: %v", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT event_type FROM behavioral_events ORDER BY event_type`)
	if err != nil {
		return Summary{}, causalerr.Newf(causalerr.KindStoreUnavailable, "event types query: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			return Summary{}, causalerr.Newf(causalerr.KindStoreUnavailable, "scan event type: %v", err)
		}
		sum.EventTypes = append(sum.EventTypes, et)
	}

	return sum, nil
}

// MetricPoint is one (day-granular) observation of a metric for ITS.
type MetricPoint struct {
	Timestamp time.Time
	Value     float64
	DayOfWeek int
	TimeOfDay int
}

// ReadMetricSeries returns, in timestamp order, every row for userId
// where the requested metric column is non-null, optionally windowed.
func (s *Store) ReadMetricSeries(ctx context.Context, userID, outcomeMetric string, start, end *time.Time) ([]MetricPoint, error) {
	col, ok := metricColumns[outcomeMetric]
	if !ok {
		return nil, causalerr.Newf(causalerr.KindInvalidData, "unknown outcome metric %q", outcomeMetric).WithField("outcomeMetric")
	}

	query := fmt.Sprintf(`
		SELECT timestamp, %s, COALESCE(day_of_week, -1), COALESCE(time_of_day, -1)
		FROM behavioral_events
		WHERE user_id = ? AND %s IS NOT NULL
	`, col, col)
	args := []interface{}{userID}
	if start != nil {
		query += " AND timestamp >= ?"
		args = append(args, *start)
	}
	if end != nil {
		query += " AND timestamp <= ?"
		args = append(args, *end)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "read metric series: %v", err)
	}
	defer rows.Close()

	var out []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.Timestamp, &p.Value, &p.DayOfWeek, &p.TimeOfDay); err != nil {
			return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "scan metric point: %v", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// PhasePoint is one observation carrying its ABAB experiment phase.
type PhasePoint struct {
	Timestamp time.Time
	Phase     string
	Value     float64
}

// ReadPhaseSeries returns, in timestamp order, every row for userId
// where both experimentPhase and the outcome metric are present.
func (s *Store) ReadPhaseSeries(ctx context.Context, userID, outcomeMetric string) ([]PhasePoint, error) {
	col, ok := metricColumns[outcomeMetric]
	if !ok {
		return nil, causalerr.Newf(causalerr.KindInvalidData, "unknown outcome metric %q", outcomeMetric).WithField("outcomeMetric")
	}

	query := fmt.Sprintf(`
		SELECT timestamp, experiment_phase, %s
		FROM behavioral_events
		WHERE user_id = ? AND experiment_phase IS NOT NULL AND %s IS NOT NULL
		ORDER BY timestamp ASC
	`, col, col)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "read phase series: %v", err)
	}
	defer rows.Close()

	var out []PhasePoint
	for rows.Next() {
		var p PhasePoint
		if err := rows.Scan(&p.Timestamp, &p.Phase, &p.Value); err != nil {
			return nil, causalerr.Newf(causalerr.KindStoreUnavailable, "scan phase point: %v", err)
		}
		out = append(out, p)
	}
	return out, nil
}
