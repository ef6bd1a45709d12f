package abab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yinkev/causalytics/internal/analyticsstore"
)

func makePoints(baseline1, interventionA1, baseline2, interventionA2 []float64) []analyticsstore.PhasePoint {
	var out []analyticsstore.PhasePoint
	add := func(phase string, vals []float64) {
		for _, v := range vals {
			out = append(out, analyticsstore.PhasePoint{Phase: phase, Value: v})
		}
	}
	add(PhaseBaseline1, baseline1)
	add(PhaseInterventionA1, interventionA1)
	add(PhaseBaseline2, baseline2)
	add(PhaseInterventionA2, interventionA2)
	return out
}

func flatDataset() *Dataset {
	ds, err := PrepareData(makePoints(
		[]float64{50, 51, 49, 50, 52},
		[]float64{80, 82, 79, 81, 83},
		[]float64{51, 50, 49, 52, 50},
		[]float64{81, 80, 82, 83, 79},
	))
	if err != nil {
		panic(err)
	}
	return ds
}

func TestPrepareData_MissingPhase(t *testing.T) {
	points := makePoints([]float64{1, 2, 3, 4, 5}, []float64{1, 2, 3, 4, 5}, []float64{1, 2, 3, 4, 5}, nil)
	_, err := PrepareData(points)
	require.Error(t, err)
}

func TestPrepareData_InsufficientObservations(t *testing.T) {
	points := makePoints([]float64{1, 2}, []float64{1, 2, 3, 4, 5}, []float64{1, 2, 3, 4, 5}, []float64{1, 2, 3, 4, 5})
	_, err := PrepareData(points)
	require.Error(t, err)
}

func TestObservedEffect_LargeInterventionBump(t *testing.T) {
	ds := flatDataset()
	effect := ObservedEffect(ds)
	require.Greater(t, effect, 25.0)
}

func TestRunPermutationTest_ReproducibleBySeed(t *testing.T) {
	ds := flatDataset()
	seed := int64(42)

	r1 := RunPermutationTest(ds, 500, &seed)
	r2 := RunPermutationTest(ds, 500, &seed)

	require.Equal(t, r1.PermutationDistribution, r2.PermutationDistribution)
	require.Equal(t, r1.PValue, r2.PValue)
}

func TestRunPermutationTest_DifferentSeedsDiffer(t *testing.T) {
	ds := flatDataset()
	seedA, seedB := int64(1), int64(2)

	r1 := RunPermutationTest(ds, 500, &seedA)
	r2 := RunPermutationTest(ds, 500, &seedB)

	require.NotEqual(t, r1.PermutationDistribution, r2.PermutationDistribution)
}

func TestCohensD_LargeEffect(t *testing.T) {
	ds := flatDataset()
	d := CohensD(interventionValues(ds), baselineValues(ds))
	require.Greater(t, d, 0.8)
}

func TestCheckSCEDStandards_StrongDesignMeetsStandards(t *testing.T) {
	ds := flatDataset()
	effect := ObservedEffect(ds)
	seed := int64(7)
	perm := RunPermutationTest(ds, 2000, &seed)
	d := CohensD(interventionValues(ds), baselineValues(ds))

	details := CheckSCEDStandards(ds, effect, perm.PValue, d)
	require.Equal(t, 5, details.MinObservationsPerPhase)
	require.True(t, details.CriterionSufficientData)
	require.Equal(t, "large", details.EffectSizeInterpretation)
	require.Equal(t, RatingMeetsStandards, details.WWCRating)
}

func TestDetermineWWCRating_AllCriteriaMeetsStandards(t *testing.T) {
	d := WWCDetails{
		CriterionPhasePairs: true, CriterionSufficientData: true, CriterionImmediateChange: true,
		CriterionSimilarPatterns: true, CriterionMinimalOverlap: true, CriterionStatisticallySignif: true,
		PValue: 0.01,
	}
	require.Equal(t, RatingMeetsStandards, determineWWCRating(d))
}

func TestDetermineWWCRating_ReservationsWithFourCriteria(t *testing.T) {
	d := WWCDetails{
		CriterionPhasePairs: true, CriterionSufficientData: true, CriterionImmediateChange: true,
		CriterionSimilarPatterns: true, CriterionMinimalOverlap: false, CriterionStatisticallySignif: false,
		PValue: 0.08,
	}
	require.Equal(t, RatingMeetsStandardsReservations, determineWWCRating(d))
}

func TestDetermineWWCRating_DoesNotMeetStandards(t *testing.T) {
	d := WWCDetails{
		CriterionPhasePairs: true, CriterionSufficientData: false, CriterionImmediateChange: false,
		CriterionSimilarPatterns: false, CriterionMinimalOverlap: false, CriterionStatisticallySignif: false,
		PValue: 0.5,
	}
	require.Equal(t, RatingDoesNotMeetStandards, determineWWCRating(d))
}

func TestInterpretCohensD_Boundaries(t *testing.T) {
	require.Equal(t, "negligible", interpretCohensD(0.1))
	require.Equal(t, "small", interpretCohensD(0.3))
	require.Equal(t, "medium", interpretCohensD(0.6))
	require.Equal(t, "large", interpretCohensD(0.9))
}
