// DDL for the embedded analytics store's single behavioral_events
// table and its three indexes, expressed as named Go string constants.
package analyticsstore

// BehavioralEventsSchema creates the behavioral_events table if it does
// not exist yet. The table is never dropped: each ingestion upserts rows
// by id, so rows from earlier batches stay in place. It carries no foreign
// keys or constraints beyond NOT NULL on the required columns.
const BehavioralEventsSchema = `
CREATE TABLE IF NOT EXISTS behavioral_events (
	id                        TEXT NOT NULL,
	user_id                   TEXT NOT NULL,
	event_type                TEXT NOT NULL,
	event_data                TEXT NOT NULL,
	timestamp                 DATETIME NOT NULL,
	session_performance_score INTEGER,
	completion_quality        TEXT,
	engagement_level          TEXT,
	day_of_week               INTEGER,
	time_of_day               INTEGER,
	experiment_phase          TEXT,
	randomization_seed        INTEGER,
	context_metadata_id       TEXT,
	content_type              TEXT,
	difficulty_level          TEXT,
	PRIMARY KEY (id)
)
`

// BehavioralEventsUserTimeIndex satisfies the (userId,timestamp) index
// required for ordered per-user reads.
const BehavioralEventsUserTimeIndex = `
CREATE INDEX IF NOT EXISTS idx_behavioral_events_user_time
ON behavioral_events (user_id, timestamp)
`

// BehavioralEventsEventTypeIndex satisfies the eventType index.
const BehavioralEventsEventTypeIndex = `
CREATE INDEX IF NOT EXISTS idx_behavioral_events_event_type
ON behavioral_events (event_type)
`

// BehavioralEventsExperimentPhaseIndex satisfies the experimentPhase index.
const BehavioralEventsExperimentPhaseIndex = `
CREATE INDEX IF NOT EXISTS idx_behavioral_events_experiment_phase
ON behavioral_events (experiment_phase)
`

// RunsSchema backs the Run Registry (C3); kept in the same embedded
// store file as behavioral_events since both are process-local state.
const RunsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	analysis_type TEXT NOT NULL,
	start_time DATETIME NOT NULL,
	end_time   DATETIME,
	params     TEXT NOT NULL DEFAULT '{}',
	metrics    TEXT NOT NULL DEFAULT '{}',
	tags       TEXT NOT NULL DEFAULT '{}',
	artifacts  TEXT NOT NULL DEFAULT '[]'
)
`

const RunsStartTimeIndex = `
CREATE INDEX IF NOT EXISTS idx_runs_start_time
ON runs (start_time DESC)
`

// AllSchemas returns every DDL statement needed to initialize the store,
// in execution order.
func AllSchemas() []string {
	return []string{
		BehavioralEventsSchema,
		BehavioralEventsUserTimeIndex,
		BehavioralEventsEventTypeIndex,
		BehavioralEventsExperimentPhaseIndex,
		RunsSchema,
		RunsStartTimeIndex,
	}
}
