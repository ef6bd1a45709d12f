// Package runregistry is an in-process, MLflow-equivalent run
// tracking surface: StartRun/LogParam/LogMetric/SetTag/LogArtifact/
// EndRun/Search, a mutex-guarded map mirrored to the embedded store
// for durability across process restarts.
package runregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yinkev/causalytics/internal/causalerr"
)

// Run is one tracked analysis execution (an ITS or ABAB analysis run).
type Run struct {
	RunID        string             `json:"run_id"`
	AnalysisType string             `json:"analysis_type"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	Params       map[string]any     `json:"params"`
	Metrics      map[string]float64 `json:"metrics"`
	Tags         map[string]string  `json:"tags"`
	Artifacts    []string           `json:"artifacts"`
}

func (r *Run) clone() *Run {
	cp := &Run{
		RunID:        r.RunID,
		AnalysisType: r.AnalysisType,
		StartTime:    r.StartTime,
		Params:       make(map[string]any, len(r.Params)),
		Metrics:      make(map[string]float64, len(r.Metrics)),
		Tags:         make(map[string]string, len(r.Tags)),
		Artifacts:    append([]string(nil), r.Artifacts...),
	}
	if r.EndTime != nil {
		end := *r.EndTime
		cp.EndTime = &end
	}
	for k, v := range r.Params {
		cp.Params[k] = v
	}
	for k, v := range r.Metrics {
		cp.Metrics[k] = v
	}
	for k, v := range r.Tags {
		cp.Tags[k] = v
	}
	return cp
}

// Registry tracks runs, mirrored in-memory and persisted to db.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
	db   *sql.DB
}

// New constructs a Registry backed by db. db must already have the
// `runs` table created (the analyticsstore package's schema owns this).
func New(db *sql.DB) *Registry {
	return &Registry{runs: make(map[string]*Run), db: db}
}

// Load hydrates the in-memory map from the persisted runs table. Call
// once at startup after New.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, analysis_type, start_time, end_time, params, metrics, tags, artifacts
		FROM runs
	`)
	if err != nil {
		return causalerr.Newf(causalerr.KindStoreUnavailable, "load runs: %v", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	for rows.Next() {
		run := &Run{}
		var endTime sql.NullTime
		var paramsJSON, metricsJSON, tagsJSON, artifactsJSON string
		if err := rows.Scan(&run.RunID, &run.AnalysisType, &run.StartTime, &endTime,
			&paramsJSON, &metricsJSON, &tagsJSON, &artifactsJSON); err != nil {
			return causalerr.Newf(causalerr.KindStoreUnavailable, "scan run: %v", err)
		}
		if endTime.Valid {
			t := endTime.Time
			run.EndTime = &t
		}
		_ = json.Unmarshal([]byte(paramsJSON), &run.Params)
		_ = json.Unmarshal([]byte(metricsJSON), &run.Metrics)
		_ = json.Unmarshal([]byte(tagsJSON), &run.Tags)
		_ = json.Unmarshal([]byte(artifactsJSON), &run.Artifacts)
		r.runs[run.RunID] = run
	}
	return nil
}

// StartRun registers a new run and persists it immediately.
func (r *Registry) StartRun(ctx context.Context, analysisType string, params map[string]any) (*Run, error) {
	run := &Run{
		RunID:        uuid.NewString(),
		AnalysisType: analysisType,
		StartTime:    time.Now().UTC(),
		Params:       map[string]any{},
		Metrics:      map[string]float64{},
		Tags:         map[string]string{},
		Artifacts:    []string{},
	}
	for k, v := range params {
		run.Params[k] = v
	}

	r.mu.Lock()
	r.runs[run.RunID] = run
	r.mu.Unlock()

	if err := r.persist(ctx, run); err != nil {
		return nil, err
	}
	return run.clone(), nil
}

// LogParam records a parameter against an in-flight run.
func (r *Registry) LogParam(ctx context.Context, runID, key string, value any) error {
	run, err := r.mutate(runID, func(run *Run) { run.Params[key] = value })
	if err != nil {
		return err
	}
	return r.persist(ctx, run)
}

// LogMetric records a metric against an in-flight run.
func (r *Registry) LogMetric(ctx context.Context, runID, key string, value float64) error {
	run, err := r.mutate(runID, func(run *Run) { run.Metrics[key] = value })
	if err != nil {
		return err
	}
	return r.persist(ctx, run)
}

// SetTag records a tag against a run (in-flight or ended).
func (r *Registry) SetTag(ctx context.Context, runID, key, value string) error {
	run, err := r.mutate(runID, func(run *Run) { run.Tags[key] = value })
	if err != nil {
		return err
	}
	return r.persist(ctx, run)
}

// LogArtifact records a reference to a produced artifact (e.g. a
// rendered plot or a Parquet file path).
func (r *Registry) LogArtifact(ctx context.Context, runID, path string) error {
	run, err := r.mutate(runID, func(run *Run) { run.Artifacts = append(run.Artifacts, path) })
	if err != nil {
		return err
	}
	return r.persist(ctx, run)
}

// EndRun marks a run's completion time.
func (r *Registry) EndRun(ctx context.Context, runID string) error {
	run, err := r.mutate(runID, func(run *Run) {
		if run.EndTime == nil {
			now := time.Now().UTC()
			run.EndTime = &now
		}
	})
	if err != nil {
		return err
	}
	return r.persist(ctx, run)
}

// Get returns a snapshot of one run.
func (r *Registry) Get(runID string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, causalerr.Newf(causalerr.KindInvalidRequest, "run %q not found", runID)
	}
	return run.clone(), nil
}

// SearchFilter narrows Search results.
type SearchFilter struct {
	AnalysisType string
	Tag          string
	TagValue     string
	Max          int
}

// Search returns runs matching filter, newest-first, capped at
// filter.Max (0 means unbounded).
func (r *Registry) Search(filter SearchFilter) []*Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		if filter.AnalysisType != "" && run.AnalysisType != filter.AnalysisType {
			continue
		}
		if filter.Tag != "" {
			v, ok := run.Tags[filter.Tag]
			if !ok || (filter.TagValue != "" && v != filter.TagValue) {
				continue
			}
		}
		out = append(out, run.clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })

	if filter.Max > 0 && len(out) > filter.Max {
		out = out[:filter.Max]
	}
	return out
}

func (r *Registry) mutate(runID string, fn func(*Run)) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil, causalerr.Newf(causalerr.KindInvalidRequest, "run %q not found", runID)
	}
	fn(run)
	return run, nil
}

func (r *Registry) persist(ctx context.Context, run *Run) error {
	r.mu.RLock()
	snapshot := run.clone()
	r.mu.RUnlock()

	params, _ := json.Marshal(snapshot.Params)
	metrics, _ := json.Marshal(snapshot.Metrics)
	tags, _ := json.Marshal(snapshot.Tags)
	artifacts, _ := json.Marshal(snapshot.Artifacts)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, analysis_type, start_time, end_time, params, metrics, tags, artifacts)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET
			end_time=excluded.end_time, params=excluded.params,
			metrics=excluded.metrics, tags=excluded.tags, artifacts=excluded.artifacts
	`, snapshot.RunID, snapshot.AnalysisType, snapshot.StartTime, snapshot.EndTime,
		string(params), string(metrics), string(tags), string(artifacts))
	if err != nil {
		return causalerr.Newf(causalerr.KindStoreUnavailable, "persist run %s: %v", snapshot.RunID, err)
	}
	return nil
}
