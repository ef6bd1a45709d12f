package its

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yinkev/causalytics/internal/analyticsstore"
	"github.com/yinkev/causalytics/internal/eventschema"
	"github.com/yinkev/causalytics/internal/runregistry"
)

func TestPrepareData_InsufficientPreData(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var points []analyticsstore.MetricPoint
	for d := 0; d < 5; d++ {
		points = append(points, analyticsstore.MetricPoint{Timestamp: base.AddDate(0, 0, d), Value: 50, TimeOfDay: 10})
	}
	for d := 5; d < 20; d++ {
		points = append(points, analyticsstore.MetricPoint{Timestamp: base.AddDate(0, 0, d), Value: 60, TimeOfDay: 10})
	}

	_, err := PrepareData(points, base.AddDate(0, 0, 5), false, false)
	require.Error(t, err)
}

func TestPrepareData_DailyAggregationAndFeatures(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var points []analyticsstore.MetricPoint
	for d := 0; d < 20; d++ {
		day := base.AddDate(0, 0, d)
		points = append(points, analyticsstore.MetricPoint{Timestamp: day.Add(8 * time.Hour), Value: 50, TimeOfDay: 8})
		points = append(points, analyticsstore.MetricPoint{Timestamp: day.Add(20 * time.Hour), Value: 52, TimeOfDay: 20})
	}

	ds, err := PrepareData(points, base.AddDate(0, 0, 10), true, true)
	require.NoError(t, err)
	require.Equal(t, 10, ds.NPre)
	require.Equal(t, 10, ds.NPost)
	require.InDelta(t, 51.0, ds.Rows[0].Outcome, 1e-9)
	require.InDelta(t, 14.0/23.0, ds.Rows[0].HourNormalized, 1e-9)
}

func TestExtractEffect_ProbabilityMassSplitsOnSign(t *testing.T) {
	eff := extractEffect([]float64{1, 2, 3, 4, 5, -1})
	require.Greater(t, eff.ProbabilityPositive, 0.5)
	require.InDelta(t, eff.ProbabilityPositive+eff.ProbabilityNegative, 1.0, 1.0/6.0+1e-9)
}

func TestGelmanRubinRHat_IdenticalChainsNearOne(t *testing.T) {
	chain := make([]float64, 200)
	for i := range chain {
		chain[i] = float64(i % 10)
	}
	rhat := gelmanRubinRHat([][]float64{chain, chain, chain})
	require.InDelta(t, 1.0, rhat, 0.5)
}

// syntheticEvents mirrors the 90-day pre/post fixture shape used to test
// the original service's ITS engine: from day 45 the line restarts at 75
// (5 above the pre-period intercept of 70, 0.5 above the pre trend's 74.5
// at that day) and its slope rises by 0.05/day, from 0.1 to 0.15.
func syntheticEvents(userID string, startDate time.Time, seed uint64) []eventschema.BehavioralEvent {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	hours := []int{8, 14, 20}

	var events []eventschema.BehavioralEvent
	for day := 0; day < 90; day++ {
		var mean float64
		if day < 45 {
			mean = 70 + 0.1*float64(day)
		} else {
			mean = 75 + 0.15*float64(day-45)
		}
		date := startDate.AddDate(0, 0, day)
		for _, h := range hours {
			noise := rng.NormFloat64() * 2
			score := int(math.Round(mean + noise))
			hour := h
			ts := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, time.UTC)
			events = append(events, eventschema.BehavioralEvent{
				ID:                      fmt.Sprintf("evt-%s-%03d-%02d", userID, day, h),
				UserID:                  userID,
				EventType:               "SESSION_ENDED",
				EventData:               map[string]interface{}{},
				Timestamp:               ts,
				SessionPerformanceScore: &score,
				TimeOfDay:               &hour,
			})
		}
	}
	return events
}

func TestRunAnalysis_SyntheticLevelAndSlopeChangeConverges(t *testing.T) {
	ctx := context.Background()
	store, err := analyticsstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	registry := runregistry.New(store.DB())

	startDate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := syntheticEvents("user-its-1", startDate, 42)
	_, err = store.Ingest(ctx, events)
	require.NoError(t, err)

	interventionDate := startDate.AddDate(0, 0, 45)
	seed := uint64(7)

	result, err := RunAnalysis(ctx, store, registry, Request{
		UserID:           "user-its-1",
		InterventionDate: interventionDate,
		IncludeDayOfWeek: true,
		IncludeTimeOfDay: true,
		MCMCSamples:      500,
		MCMCChains:       2,
		Seed:             &seed,
	})
	require.NoError(t, err)

	require.Greater(t, result.ImmediateEffect.PointEstimate, 0.0)
	require.True(t, result.Diagnostics.Converged)
	require.NotEmpty(t, result.Plots["observed_vs_counterfactual"])
	require.NotEmpty(t, result.Plots["posterior_predictive_check"])
	require.NotEmpty(t, result.Plots["effect_distribution"])
	require.NotEmpty(t, result.Plots["mcmc_diagnostics"])
}

func TestRunAnalysis_RejectsFutureInterventionDate(t *testing.T) {
	ctx := context.Background()
	store, err := analyticsstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	registry := runregistry.New(store.DB())

	_, err = RunAnalysis(ctx, store, registry, Request{
		UserID:           "user-its-2",
		InterventionDate: time.Now().Add(24 * time.Hour),
	})
	require.Error(t, err)
}
