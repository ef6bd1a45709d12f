package runregistry

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE runs (
			run_id TEXT PRIMARY KEY, analysis_type TEXT NOT NULL, start_time DATETIME NOT NULL,
			end_time DATETIME, params TEXT NOT NULL DEFAULT '{}', metrics TEXT NOT NULL DEFAULT '{}',
			tags TEXT NOT NULL DEFAULT '{}', artifacts TEXT NOT NULL DEFAULT '[]'
		)
	`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func TestRegistry_StartLogEndRun(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	run, err := r.StartRun(ctx, "its", map[string]any{"userId": "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)
	require.Nil(t, run.EndTime)

	require.NoError(t, r.LogParam(ctx, run.RunID, "outcomeMetric", "sessionPerformanceScore"))
	require.NoError(t, r.LogMetric(ctx, run.RunID, "rHat_max", 1.01))
	require.NoError(t, r.SetTag(ctx, run.RunID, "status", "completed"))
	require.NoError(t, r.LogArtifact(ctx, run.RunID, "data/plots/its_u1.png"))
	require.NoError(t, r.EndRun(ctx, run.RunID))

	got, err := r.Get(run.RunID)
	require.NoError(t, err)
	require.Equal(t, "sessionPerformanceScore", got.Params["outcomeMetric"])
	require.Equal(t, 1.01, got.Metrics["rHat_max"])
	require.Equal(t, "completed", got.Tags["status"])
	require.Len(t, got.Artifacts, 1)
	require.NotNil(t, got.EndTime)
}

func TestRegistry_LoadHydratesFromDB(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	run, err := r.StartRun(ctx, "abab", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, r.LogMetric(ctx, run.RunID, "cohens_d", 0.8))

	r2 := New(db)
	require.NoError(t, r2.Load(ctx))
	got, err := r2.Get(run.RunID)
	require.NoError(t, err)
	require.Equal(t, 0.8, got.Metrics["cohens_d"])
}

func TestRegistry_Search(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	run1, err := r.StartRun(ctx, "its", nil)
	require.NoError(t, err)
	run2, err := r.StartRun(ctx, "abab", nil)
	require.NoError(t, err)

	results := r.Search(SearchFilter{AnalysisType: "abab"})
	require.Len(t, results, 1)
	require.Equal(t, run2.RunID, results[0].RunID)

	all := r.Search(SearchFilter{Max: 1})
	require.Len(t, all, 1)

	_ = run1
}

func TestRegistry_UnknownRunErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get("does-not-exist")
	require.Error(t, err)

	err = r.LogParam(context.Background(), "does-not-exist", "k", "v")
	require.Error(t, err)
}
