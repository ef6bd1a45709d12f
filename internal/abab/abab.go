// Package abab implements the ABAB reversal-design randomization test:
// observed effect, permutation null distribution, Cohen's d, and a
// WWC single-case-design evidence rating.
package abab

import (
	"context"
	"math"
	"math/rand/v2"
	"regexp"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/yinkev/causalytics/internal/analyticsstore"
	"github.com/yinkev/causalytics/internal/causalerr"
	"github.com/yinkev/causalytics/internal/runregistry"
)

const (
	PhaseBaseline1     = "baseline_1"
	PhaseInterventionA1 = "intervention_A_1"
	PhaseBaseline2     = "baseline_2"
	PhaseInterventionA2 = "intervention_A_2"
)

var requiredPhases = []string{PhaseBaseline1, PhaseInterventionA1, PhaseBaseline2, PhaseInterventionA2}

const minObservationsPerPhase = 5

// Observation is one phase-labeled outcome measurement, ordered by
// collection time.
type Observation struct {
	Phase   string
	Outcome float64
}

// Dataset groups validated ABAB observations, in collection order.
type Dataset struct {
	Observations []Observation
	PhaseCounts  map[string]int
}

// PrepareData validates raw phase points into an analyzable Dataset:
// all four phases must be present with at least minObservationsPerPhase
// observations each.
func PrepareData(points []analyticsstore.PhasePoint) (*Dataset, error) {
	if len(points) == 0 {
		return nil, causalerr.New(causalerr.KindInsufficientData, "no ABAB phase data found for user")
	}

	counts := make(map[string]int)
	obs := make([]Observation, 0, len(points))
	for _, p := range points {
		counts[p.Phase]++
		obs = append(obs, Observation{Phase: p.Phase, Outcome: p.Value})
	}

	var missing []string
	for _, phase := range requiredPhases {
		if counts[phase] == 0 {
			missing = append(missing, phase)
		}
	}
	if len(missing) > 0 {
		return nil, causalerr.Newf(causalerr.KindInsufficientData,
			"incomplete ABAB design: missing phases %v, need all 4 phases for valid analysis", missing)
	}

	var insufficient []string
	for _, phase := range requiredPhases {
		if counts[phase] < minObservationsPerPhase {
			insufficient = append(insufficient, phase)
		}
	}
	if len(insufficient) > 0 {
		return nil, causalerr.Newf(causalerr.KindInsufficientData,
			"insufficient data in phases %v, need >=%d observations per phase for WWC standards",
			insufficient, minObservationsPerPhase)
	}

	return &Dataset{Observations: obs, PhaseCounts: counts}, nil
}

func phaseValues(ds *Dataset, phases ...string) []float64 {
	want := make(map[string]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}
	var out []float64
	for _, o := range ds.Observations {
		if want[o.Phase] {
			out = append(out, o.Outcome)
		}
	}
	return out
}

func interventionValues(ds *Dataset) []float64 {
	return phaseValues(ds, PhaseInterventionA1, PhaseInterventionA2)
}

func baselineValues(ds *Dataset) []float64 {
	return phaseValues(ds, PhaseBaseline1, PhaseBaseline2)
}

// ObservedEffect computes Mean(interventionA1, interventionA2) -
// Mean(baseline1, baseline2).
func ObservedEffect(ds *Dataset) float64 {
	a := interventionValues(ds)
	b := baselineValues(ds)
	return stat.Mean(a, nil) - stat.Mean(b, nil)
}

// PermutationResult holds a completed randomization test.
type PermutationResult struct {
	ObservedEffect          float64
	PValue                  float64
	PermutationDistribution []float64
}

// RunPermutationTest shuffles the outcome labels nPermutations times,
// preserving each phase's original sample size and the original phase
// order (baseline_1, intervention_A_1, baseline_2, intervention_A_2),
// and computes a two-tailed p-value: the proportion of permuted effects
// at least as extreme as the observed effect.
//
// seed, when non-nil, makes the permutation draw bit-reproducible
// across runs (§4.6.5).
func RunPermutationTest(ds *Dataset, nPermutations int, seed *int64) PermutationResult {
	observed := ObservedEffect(ds)

	outcomes := make([]float64, len(ds.Observations))
	for i, o := range ds.Observations {
		outcomes[i] = o.Outcome
	}

	phaseSizes := make([]int, 0, 4)
	for _, phase := range requiredPhases {
		phaseSizes = append(phaseSizes, ds.PhaseCounts[phase])
	}

	var src rand.Source
	if seed != nil {
		s := uint64(*seed)
		src = rand.NewPCG(s, s)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	rng := rand.New(src)

	dist := make([]float64, nPermutations)
	shuffled := make([]float64, len(outcomes))

	for i := 0; i < nPermutations; i++ {
		copy(shuffled, outcomes)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		b1 := shuffled[:phaseSizes[0]]
		a1 := shuffled[phaseSizes[0] : phaseSizes[0]+phaseSizes[1]]
		b2 := shuffled[phaseSizes[0]+phaseSizes[1] : phaseSizes[0]+phaseSizes[1]+phaseSizes[2]]
		a2 := shuffled[phaseSizes[0]+phaseSizes[1]+phaseSizes[2]:]

		meanA := (stat.Mean(a1, nil) + stat.Mean(a2, nil)) / 2
		meanB := (stat.Mean(b1, nil) + stat.Mean(b2, nil)) / 2
		dist[i] = meanA - meanB
	}

	count := 0
	for _, v := range dist {
		if math.Abs(v) >= math.Abs(observed) {
			count++
		}
	}
	pValue := float64(count) / float64(nPermutations)

	return PermutationResult{ObservedEffect: observed, PValue: pValue, PermutationDistribution: dist}
}

// CohensD computes (Mean(a) - Mean(b)) / pooledSD for the intervention
// (a) vs. baseline (b) phase data.
func CohensD(a, b []float64) float64 {
	meanA, meanB := stat.Mean(a, nil), stat.Mean(b, nil)
	varA, varB := stat.Variance(a, nil), stat.Variance(b, nil)

	nA, nB := float64(len(a)), float64(len(b))
	pooledSD := math.Sqrt(((nA-1)*varA + (nB-1)*varB) / (nA + nB - 2))
	if pooledSD == 0 {
		return 0
	}
	return (meanA - meanB) / pooledSD
}

// WWCRating is the overall What Works Clearinghouse evidence rating.
type WWCRating string

const (
	RatingMeetsStandards              WWCRating = "Meets Standards"
	RatingMeetsStandardsReservations  WWCRating = "Meets Standards with Reservations"
	RatingDoesNotMeetStandards        WWCRating = "Does Not Meet Standards"
)

// WWCDetails reports the six individual WWC SCED criteria plus the
// overall rating.
type WWCDetails struct {
	PhasePairs                   int       `json:"phase_pairs"`
	CriterionPhasePairs          bool      `json:"criterion_phase_pairs"`
	MinObservationsPerPhase      int       `json:"min_observations_per_phase"`
	CriterionSufficientData      bool      `json:"criterion_sufficient_data"`
	ImmediateChangeDetected      bool      `json:"immediate_change_detected"`
	CriterionImmediateChange     bool      `json:"criterion_immediate_change"`
	SimilarBaselinePhases        bool      `json:"similar_baseline_phases"`
	SimilarInterventionPhases    bool      `json:"similar_intervention_phases"`
	CriterionSimilarPatterns     bool      `json:"criterion_similar_patterns"`
	OverlapPercentage            float64   `json:"overlap_percentage"`
	CriterionMinimalOverlap      bool      `json:"criterion_minimal_overlap"`
	PValue                       float64   `json:"p_value"`
	CriterionStatisticallySignif bool      `json:"criterion_statistically_significant"`
	CohensD                      float64   `json:"cohens_d"`
	EffectSizeInterpretation     string    `json:"effect_size_interpretation"`
	WWCRating                    WWCRating `json:"wwc_rating"`
	PassesWWC                    bool      `json:"passes_wwc"`
}

// CheckSCEDStandards applies the six WWC criteria for ABAB reversal
// designs and derives the overall evidence rating.
func CheckSCEDStandards(ds *Dataset, observedEffect, pValue, cohensD float64) WWCDetails {
	d := WWCDetails{PhasePairs: 2, CriterionPhasePairs: true}

	minCount := ds.PhaseCounts[requiredPhases[0]]
	for _, phase := range requiredPhases {
		if ds.PhaseCounts[phase] < minCount {
			minCount = ds.PhaseCounts[phase]
		}
	}
	d.MinObservationsPerPhase = minCount
	d.CriterionSufficientData = minCount >= minObservationsPerPhase

	d.ImmediateChangeDetected = checkImmediateChange(ds)
	d.CriterionImmediateChange = d.ImmediateChangeDetected

	d.SimilarBaselinePhases, d.SimilarInterventionPhases = checkSimilarPatterns(ds)
	d.CriterionSimilarPatterns = d.SimilarBaselinePhases && d.SimilarInterventionPhases

	d.OverlapPercentage = calculateOverlap(ds)
	d.CriterionMinimalOverlap = d.OverlapPercentage <= 25.0

	d.PValue = pValue
	d.CriterionStatisticallySignif = pValue < 0.05

	d.CohensD = cohensD
	d.EffectSizeInterpretation = interpretCohensD(cohensD)

	d.WWCRating = determineWWCRating(d)
	d.PassesWWC = d.WWCRating == RatingMeetsStandards
	return d
}

func phaseSlice(ds *Dataset, phase string) []float64 {
	return phaseValues(ds, phase)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func lastN(s []float64, n int) []float64 {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func firstN(s []float64, n int) []float64 {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func checkImmediateChange(ds *Dataset) bool {
	b1 := phaseSlice(ds, PhaseBaseline1)
	a1 := phaseSlice(ds, PhaseInterventionA1)
	b2 := phaseSlice(ds, PhaseBaseline2)
	a2 := phaseSlice(ds, PhaseInterventionA2)
	if len(b1) == 0 || len(a1) == 0 || len(b2) == 0 || len(a2) == 0 {
		return false
	}

	b1Last2 := stat.Mean(lastN(b1, 2), nil)
	a1First2 := stat.Mean(firstN(a1, 2), nil)
	change1 := math.Abs(a1First2 - b1Last2)

	b2Last2 := stat.Mean(lastN(b2, 2), nil)
	a2First2 := stat.Mean(firstN(a2, 2), nil)
	change2 := math.Abs(a2First2 - b2Last2)

	allBaselines := append(append([]float64{}, b1...), b2...)
	baselineSD := math.Sqrt(stat.Variance(allBaselines, nil))

	threshold := 1.0
	if baselineSD > 0 {
		threshold = 0.5 * baselineSD
	}
	return change1 > threshold || change2 > threshold
}

func coefficientOfVariation(data []float64) float64 {
	mean := stat.Mean(data, nil)
	if mean == 0 {
		return 0
	}
	return math.Sqrt(stat.Variance(data, nil)) / math.Abs(mean)
}

func checkSimilarPatterns(ds *Dataset) (similarBaselines, similarInterventions bool) {
	b1 := phaseSlice(ds, PhaseBaseline1)
	a1 := phaseSlice(ds, PhaseInterventionA1)
	b2 := phaseSlice(ds, PhaseBaseline2)
	a2 := phaseSlice(ds, PhaseInterventionA2)

	cvB1, cvB2 := coefficientOfVariation(b1), coefficientOfVariation(b2)
	cvA1, cvA2 := coefficientOfVariation(a1), coefficientOfVariation(a2)

	maxB := math.Max(cvB1, cvB2)
	if maxB > 0 {
		similarBaselines = math.Abs(cvB1-cvB2)/math.Max(maxB, 0.01) < 0.5
	} else {
		similarBaselines = true
	}

	maxA := math.Max(cvA1, cvA2)
	if maxA > 0 {
		similarInterventions = math.Abs(cvA1-cvA2)/math.Max(maxA, 0.01) < 0.5
	} else {
		similarInterventions = true
	}
	return similarBaselines, similarInterventions
}

func calculateOverlap(ds *Dataset) float64 {
	baseline := baselineValues(ds)
	intervention := interventionValues(ds)
	if len(baseline) == 0 || len(intervention) == 0 {
		return 100.0
	}

	bMin, bMax := minMax(baseline)
	iMin, iMax := minMax(intervention)

	interventionOverlap := 0
	for _, v := range intervention {
		if v >= bMin && v <= bMax {
			interventionOverlap++
		}
	}
	interventionPct := float64(interventionOverlap) / float64(len(intervention)) * 100

	baselineOverlap := 0
	for _, v := range baseline {
		if v >= iMin && v <= iMax {
			baselineOverlap++
		}
	}
	baselinePct := float64(baselineOverlap) / float64(len(baseline)) * 100

	return math.Max(interventionPct, baselinePct)
}

func minMax(data []float64) (float64, float64) {
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func interpretCohensD(d float64) string {
	abs := math.Abs(d)
	switch {
	case abs < 0.2:
		return "negligible"
	case abs < 0.5:
		return "small"
	case abs < 0.8:
		return "medium"
	default:
		return "large"
	}
}

func determineWWCRating(d WWCDetails) WWCRating {
	criteria := []bool{
		d.CriterionPhasePairs, d.CriterionSufficientData, d.CriterionImmediateChange,
		d.CriterionSimilarPatterns, d.CriterionMinimalOverlap, d.CriterionStatisticallySignif,
	}
	met := 0
	for _, c := range criteria {
		if c {
			met++
		}
	}

	if met == 6 {
		return RatingMeetsStandards
	}
	if met >= 4 && d.PValue < 0.10 {
		return RatingMeetsStandardsReservations
	}
	return RatingDoesNotMeetStandards
}

// Result is the complete ABAB analysis response contract.
type Result struct {
	ObservedEffect          float64        `json:"observed_effect"`
	PValue                  float64        `json:"p_value"`
	CohensD                 float64        `json:"cohens_d"`
	PermutationDistribution []float64      `json:"permutation_distribution"`
	NObservationsPerPhase   map[string]int `json:"n_observations_per_phase"`
	PassesSCEDStandards     bool           `json:"passes_sced_standards"`
	WWCDetails              WWCDetails     `json:"wwc_details"`
	RunID                   string         `json:"mlflow_run_id"`
	ComputationTimeSeconds  float64        `json:"computation_time_seconds"`
}

// AnalysisRequest are the parameters of one ABAB analysis invocation.
type AnalysisRequest struct {
	UserID        string
	ProtocolID    string
	OutcomeMetric string
	NPermutations int
	Seed          *int64
}

var outcomeMetricPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

const (
	minPermutations = 1000
	maxPermutations = 50000
)

// RunAnalysis executes the complete ABAB pipeline: validate → fetch →
// prepare → observed effect → permutation test → Cohen's d → WWC
// rating, recording the run in the registry throughout.
func RunAnalysis(ctx context.Context, store *analyticsstore.Store, registry *runregistry.Registry, req AnalysisRequest) (*Result, error) {
	start := time.Now()

	if req.UserID == "" {
		return nil, causalerr.New(causalerr.KindInvalidRequest, "userId is required").WithField("userId")
	}
	if req.NPermutations == 0 {
		req.NPermutations = 10000
	}
	if req.NPermutations < minPermutations || req.NPermutations > maxPermutations {
		return nil, causalerr.Newf(causalerr.KindInvalidRequest,
			"nPermutations must be between %d and %d", minPermutations, maxPermutations).WithField("nPermutations")
	}
	if req.Seed != nil && *req.Seed < 0 {
		return nil, causalerr.New(causalerr.KindInvalidRequest, "seed must be >= 0").WithField("seed")
	}
	if req.OutcomeMetric == "" {
		req.OutcomeMetric = "sessionPerformanceScore"
	}
	if !outcomeMetricPattern.MatchString(req.OutcomeMetric) {
		return nil, causalerr.Newf(causalerr.KindInvalidRequest,
			"outcomeMetric %q does not match ^[A-Za-z0-9_]+$", req.OutcomeMetric).WithField("outcomeMetric")
	}
	protocolID := req.ProtocolID
	if protocolID == "" {
		protocolID = "default"
	}

	run, err := registry.StartRun(ctx, "abab", map[string]any{
		"user_id": req.UserID, "protocol_id": protocolID,
		"outcome_metric": req.OutcomeMetric, "n_permutations": req.NPermutations,
	})
	if err != nil {
		return nil, err
	}

	points, err := store.ReadPhaseSeries(ctx, req.UserID, req.OutcomeMetric)
	if err != nil {
		return nil, err
	}

	ds, err := PrepareData(points)
	if err != nil {
		return nil, err
	}

	observedEffect := ObservedEffect(ds)
	perm := RunPermutationTest(ds, req.NPermutations, req.Seed)

	a := interventionValues(ds)
	b := baselineValues(ds)
	cohensD := CohensD(a, b)

	wwc := CheckSCEDStandards(ds, observedEffect, perm.PValue, cohensD)

	_ = registry.LogMetric(ctx, run.RunID, "observed_effect", observedEffect)
	_ = registry.LogMetric(ctx, run.RunID, "p_value", perm.PValue)
	_ = registry.LogMetric(ctx, run.RunID, "cohens_d", cohensD)
	for phase, count := range ds.PhaseCounts {
		_ = registry.LogMetric(ctx, run.RunID, "n_"+phase, float64(count))
	}
	_ = registry.SetTag(ctx, run.RunID, "analysis_type", "ABAB_randomization")
	_ = registry.SetTag(ctx, run.RunID, "user_id", req.UserID)
	significant := "no"
	if perm.PValue < 0.05 {
		significant = "yes"
	}
	_ = registry.SetTag(ctx, run.RunID, "significant", significant)
	_ = registry.SetTag(ctx, run.RunID, "wwc_rating", string(wwc.WWCRating))
	_ = registry.SetTag(ctx, run.RunID, "passes_wwc", yesNo(wwc.PassesWWC))
	_ = registry.LogMetric(ctx, run.RunID, "computation_time_seconds", time.Since(start).Seconds())
	_ = registry.EndRun(ctx, run.RunID)

	return &Result{
		ObservedEffect:          observedEffect,
		PValue:                  perm.PValue,
		CohensD:                 cohensD,
		PermutationDistribution: perm.PermutationDistribution,
		NObservationsPerPhase:   ds.PhaseCounts,
		PassesSCEDStandards:     wwc.PassesWWC,
		WWCDetails:              wwc,
		RunID:                   run.RunID,
		ComputationTimeSeconds:  time.Since(start).Seconds(),
	}, nil
}
