// Package its implements the Bayesian interrupted time series engine:
// daily aggregation, pre/post design matrix construction, a
// Metropolis-within-Gibbs sampler run across chains, a convergence
// gate, and causal effect extraction.
package its

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/yinkev/causalytics/internal/analyticsstore"
	"github.com/yinkev/causalytics/internal/causalerr"
	"github.com/yinkev/causalytics/internal/runregistry"
)

const (
	// DefaultOutcomeMetric is used when a request omits outcomeMetric.
	DefaultOutcomeMetric = "sessionPerformanceScore"

	minPreObservations  = 8
	minPostObservations = 8

	rHatFailureThreshold = 1.01
	essWarningThreshold  = 1000.0

	// maxTreeDepth mirrors the configured NUTS tree-depth limit from the
	// sampler configuration contract. The Metropolis-within-Gibbs sampler
	// used here does not build trees; the field is retained so the
	// diagnostics shape matches the documented response contract.
	maxTreeDepth = 10
)

// Request is the validated input to RunAnalysis.
type Request struct {
	UserID            string
	InterventionDate  time.Time
	OutcomeMetric     string
	IncludeDayOfWeek  bool
	IncludeTimeOfDay  bool
	MCMCSamples       int
	MCMCChains        int
	StartDate         *time.Time
	EndDate           *time.Time
	Seed              *uint64 // test-only determinism hook; zero value means "seed from entropy"
}

// Row is one daily-aggregated observation ready for the design matrix.
type Row struct {
	Time           int // day index from the first observed day
	Outcome        float64
	Intervention   float64 // 0 or 1
	DowDummies     [6]float64
	HourNormalized float64
}

// Dataset is the prepared pre/post series for one analysis.
type Dataset struct {
	Rows                 []Row
	InterventionDayIndex int
	NPre, NPost          int
	FirstDay             time.Time
	IncludeDayOfWeek     bool
	IncludeTimeOfDay     bool
}

// PrepareData aggregates metric points to one observation per calendar
// day, splits pre/post at interventionDate, and adds the intervention
// indicator, day-of-week dummies, and normalized hour-of-day feature.
func PrepareData(points []analyticsstore.MetricPoint, interventionDate time.Time, includeDayOfWeek, includeTimeOfDay bool) (*Dataset, error) {
	if len(points) == 0 {
		return nil, causalerr.New(causalerr.KindInsufficientData, "no observations for user/metric")
	}

	type dayAgg struct {
		date     time.Time
		sum      float64
		n        int
		hourSum  float64
		hourN    int
	}

	byDay := make(map[string]*dayAgg)
	var order []string
	for _, p := range points {
		date := p.Timestamp.UTC().Truncate(24 * time.Hour)
		key := date.Format("2006-01-02")
		a, ok := byDay[key]
		if !ok {
			a = &dayAgg{date: date}
			byDay[key] = a
			order = append(order, key)
		}
		a.sum += p.Value
		a.n++
		if p.TimeOfDay >= 0 {
			a.hourSum += float64(p.TimeOfDay)
			a.hourN++
		}
	}
	sort.Strings(order)

	firstDay := byDay[order[0]].date
	interventionDay := int(interventionDate.UTC().Truncate(24*time.Hour).Sub(firstDay).Hours() / 24)

	rows := make([]Row, 0, len(order))
	nPre, nPost := 0, 0
	for _, key := range order {
		a := byDay[key]
		dayIdx := int(a.date.Sub(firstDay).Hours() / 24)

		outcome := a.sum / float64(a.n)
		hour := 0.0
		if a.hourN > 0 {
			hour = (a.hourSum / float64(a.hourN)) / 23.0
		}

		intervention := 0.0
		if dayIdx >= interventionDay {
			intervention = 1
			nPost++
		} else {
			nPre++
		}

		var dow [6]float64
		if includeDayOfWeek {
			wd := int(a.date.Weekday()) // 0=Sunday ... 6=Saturday
			if wd >= 1 && wd <= 6 {
				dow[wd-1] = 1
			}
		}

		rows = append(rows, Row{
			Time: dayIdx, Outcome: outcome, Intervention: intervention,
			DowDummies: dow, HourNormalized: hour,
		})
	}

	if nPre < minPreObservations {
		return nil, causalerr.Newf(causalerr.KindInsufficientData, "insufficient pre-intervention data: %d days (need >= %d)", nPre, minPreObservations).WithField("startDate")
	}
	if nPost < minPostObservations {
		return nil, causalerr.Newf(causalerr.KindInsufficientData, "insufficient post-intervention data: %d days (need >= %d)", nPost, minPostObservations).WithField("endDate")
	}

	return &Dataset{
		Rows: rows, InterventionDayIndex: interventionDay,
		NPre: nPre, NPost: nPost, FirstDay: firstDay,
		IncludeDayOfWeek: includeDayOfWeek, IncludeTimeOfDay: includeTimeOfDay,
	}, nil
}

// paramNames returns the design matrix's column names in column order,
// matching designMatrix's column construction exactly.
func paramNames(ds *Dataset) []string {
	names := []string{"alpha", "beta", "gamma", "delta"}
	if ds.IncludeDayOfWeek {
		for i := 1; i <= 6; i++ {
			names = append(names, fmt.Sprintf("dow_%d", i))
		}
	}
	if ds.IncludeTimeOfDay {
		names = append(names, "hour")
	}
	return names
}

// designMatrix builds X and y for:
//   y = alpha + beta*time + gamma*intervention + delta*(time-t*)*intervention + [dow] + [hour] + eps
func designMatrix(ds *Dataset) (*mat.Dense, []float64, []string) {
	names := paramNames(ds)
	n, p := len(ds.Rows), len(names)

	X := mat.NewDense(n, p, nil)
	y := make([]float64, n)
	for i, r := range ds.Rows {
		col := 0
		X.Set(i, col, 1)
		col++
		X.Set(i, col, float64(r.Time))
		col++
		X.Set(i, col, r.Intervention)
		col++
		X.Set(i, col, float64(r.Time-ds.InterventionDayIndex)*r.Intervention)
		col++
		if ds.IncludeDayOfWeek {
			for j := 0; j < 6; j++ {
				X.Set(i, col, r.DowDummies[j])
				col++
			}
		}
		if ds.IncludeTimeOfDay {
			X.Set(i, col, r.HourNormalized)
			col++
		}
		y[i] = r.Outcome
	}
	return X, y, names
}

// CausalEffect summarizes a posterior effect: point estimate, 95%
// credible interval, and the probability mass on each side of zero.
type CausalEffect struct {
	PointEstimate       float64 `json:"point_estimate"`
	CILower             float64 `json:"ci_lower"`
	CIUpper             float64 `json:"ci_upper"`
	ProbabilityPositive float64 `json:"probability_positive"`
	ProbabilityNegative float64 `json:"probability_negative"`
}

// MCMCDiagnostics reports per-parameter convergence diagnostics.
type MCMCDiagnostics struct {
	RHat                 map[string]float64 `json:"r_hat"`
	EffectiveSampleSize  map[string]float64 `json:"effective_sample_size"`
	DivergentTransitions int                `json:"divergent_transitions"`
	MaxTreeDepth         int                `json:"max_tree_depth"`
	Converged            bool               `json:"converged"`
}

// Result is the full output of RunAnalysis.
type Result struct {
	ImmediateEffect       CausalEffect      `json:"immediate_effect"`
	SustainedEffect       CausalEffect      `json:"sustained_effect"`
	CounterfactualEffect  CausalEffect      `json:"counterfactual_effect"`
	ProbabilityOfBenefit  float64           `json:"probability_of_benefit"`
	Diagnostics           MCMCDiagnostics   `json:"mcmc_diagnostics"`
	Plots                 map[string]string `json:"plots"`
	RunID                 string            `json:"mlflow_run_id"`
	ComputationTimeSeconds float64          `json:"computation_time_seconds"`
	NObservationsPre      int               `json:"n_observations_pre"`
	NObservationsPost     int               `json:"n_observations_post"`
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// RunAnalysis executes the full C5 state machine:
// VALIDATING -> LOADING -> PREPARING -> SAMPLING -> DIAGNOSING ->
// EXTRACTING -> PLOTTING -> PERSISTING -> DONE.
func RunAnalysis(ctx context.Context, store *analyticsstore.Store, registry *runregistry.Registry, req Request) (*Result, error) {
	start := time.Now()

	// VALIDATING
	if req.UserID == "" {
		return nil, causalerr.New(causalerr.KindInvalidRequest, "userId is required").WithField("userId")
	}
	if req.OutcomeMetric == "" {
		req.OutcomeMetric = DefaultOutcomeMetric
	}
	if req.MCMCSamples == 0 {
		req.MCMCSamples = 2000
	}
	if req.MCMCChains == 0 {
		req.MCMCChains = 4
	}
	if req.MCMCSamples < 500 || req.MCMCSamples > 10000 {
		return nil, causalerr.New(causalerr.KindInvalidRequest, "mcmcSamples must be in [500, 10000]").WithField("mcmcSamples")
	}
	if req.MCMCChains < 2 || req.MCMCChains > 8 {
		return nil, causalerr.New(causalerr.KindInvalidRequest, "mcmcChains must be in [2, 8]").WithField("mcmcChains")
	}
	if req.InterventionDate.After(time.Now()) {
		return nil, causalerr.New(causalerr.KindInvalidRequest, "interventionDate must not be in the future").WithField("interventionDate")
	}
	if req.StartDate != nil && req.EndDate != nil {
		if !req.EndDate.After(*req.StartDate) || !req.EndDate.After(req.InterventionDate) {
			return nil, causalerr.New(causalerr.KindInvalidRequest, "endDate must exceed startDate and interventionDate").WithField("endDate")
		}
	}

	run, err := registry.StartRun(ctx, "its", map[string]any{
		"user_id":           req.UserID,
		"outcome_metric":    req.OutcomeMetric,
		"intervention_date": req.InterventionDate.UTC().Format(time.RFC3339),
		"mcmc_samples":      req.MCMCSamples,
		"mcmc_chains":       req.MCMCChains,
	})
	if err != nil {
		return nil, err
	}

	// LOADING
	points, err := store.ReadMetricSeries(ctx, req.UserID, req.OutcomeMetric, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	// PREPARING
	ds, err := PrepareData(points, req.InterventionDate, req.IncludeDayOfWeek, req.IncludeTimeOfDay)
	if err != nil {
		return nil, err
	}

	X, y, names := designMatrix(ds)
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}

	// SAMPLING
	warmup := req.MCMCSamples / 2
	if warmup < 1 {
		warmup = 1
	}

	var seedBase uint64
	if req.Seed != nil {
		seedBase = *req.Seed
	} else {
		seedBase = rand.Uint64()
	}

	chainDraws := make([][][]float64, req.MCMCChains)
	totalDivergences := 0
	initBeta := olsWarmStart(X, y)
	initSigma := residualStd(X, y, initBeta)
	for c := 0; c < req.MCMCChains; c++ {
		rng := rand.New(rand.NewPCG(seedBase+uint64(c)*2, seedBase+uint64(c)*2+1))
		result := runChain(X, y, warmup, req.MCMCSamples, initBeta, initSigma, rng)
		chainDraws[c] = result.Draws
		totalDivergences += result.Divergences
	}

	// DIAGNOSING
	allNames := append(append([]string{}, names...), "sigma")
	rHat := make(map[string]float64, len(allNames))
	ess := make(map[string]float64, len(allNames))
	maxRHat := 0.0
	for pi, name := range allNames {
		chainScalars := make([][]float64, req.MCMCChains)
		for c := 0; c < req.MCMCChains; c++ {
			col := make([]float64, len(chainDraws[c]))
			for d, row := range chainDraws[c] {
				col[d] = row[pi]
			}
			chainScalars[c] = col
		}
		r := gelmanRubinRHat(chainScalars)
		e := effectiveSampleSize(chainScalars)
		rHat[name] = r
		ess[name] = e
		if r > maxRHat {
			maxRHat = r
		}
	}

	converged := maxRHat < rHatFailureThreshold
	if !converged {
		_ = registry.SetTag(ctx, run.RunID, "status", "convergence_failure")
		_ = registry.EndRun(ctx, run.RunID)
		return nil, causalerr.Newf(causalerr.KindConvergenceFailure, "max R-hat %.4f exceeds the %.2f convergence threshold", maxRHat, rHatFailureThreshold)
	}

	// EXTRACTING
	var pooled [][]float64
	for _, c := range chainDraws {
		pooled = append(pooled, c...)
	}

	gammaSamples := make([]float64, len(pooled))
	deltaSamples := make([]float64, len(pooled))
	for i, row := range pooled {
		gammaSamples[i] = row[idx["gamma"]]
		deltaSamples[i] = row[idx["delta"]]
	}
	cfSamples := counterfactualSamples(ds, X, y, pooled, idx)

	immediate := extractEffect(gammaSamples)
	sustained := extractEffect(deltaSamples)
	counterfactual := extractEffect(cfSamples)
	probOfBenefit := math.Max(immediate.ProbabilityPositive, math.Max(sustained.ProbabilityPositive, counterfactual.ProbabilityPositive))

	diagnostics := MCMCDiagnostics{
		RHat: rHat, EffectiveSampleSize: ess,
		DivergentTransitions: totalDivergences, MaxTreeDepth: maxTreeDepth,
		Converged: converged,
	}

	// PLOTTING
	plots, err := generateAllPlots(ds, X, y, pooled, idx, immediate, counterfactual, rHat, ess, allNames, chainDraws)
	if err != nil {
		return nil, causalerr.Newf(causalerr.KindComputationError, "render plots: %v", err)
	}

	// PERSISTING
	for name, v := range rHat {
		_ = registry.LogMetric(ctx, run.RunID, "rhat_"+name, v)
	}
	for name, v := range ess {
		_ = registry.LogMetric(ctx, run.RunID, "ess_"+name, v)
	}
	_ = registry.LogMetric(ctx, run.RunID, "immediate_effect", immediate.PointEstimate)
	_ = registry.LogMetric(ctx, run.RunID, "sustained_effect", sustained.PointEstimate)
	_ = registry.LogMetric(ctx, run.RunID, "counterfactual_effect", counterfactual.PointEstimate)
	_ = registry.LogMetric(ctx, run.RunID, "probability_of_benefit", probOfBenefit)
	_ = registry.LogMetric(ctx, run.RunID, "divergent_transitions", float64(totalDivergences))
	_ = registry.SetTag(ctx, run.RunID, "analysis_type", "bayesian_its")
	_ = registry.SetTag(ctx, run.RunID, "user_id", req.UserID)
	_ = registry.SetTag(ctx, run.RunID, "converged", yesNo(converged))
	for name := range plots {
		_ = registry.LogArtifact(ctx, run.RunID, fmt.Sprintf("plots/%s/%s.png", run.RunID, name))
	}
	_ = registry.LogMetric(ctx, run.RunID, "n_observations_pre", float64(ds.NPre))
	_ = registry.LogMetric(ctx, run.RunID, "n_observations_post", float64(ds.NPost))
	_ = registry.LogMetric(ctx, run.RunID, "computation_time_seconds", time.Since(start).Seconds())
	_ = registry.EndRun(ctx, run.RunID)

	return &Result{
		ImmediateEffect: immediate, SustainedEffect: sustained, CounterfactualEffect: counterfactual,
		ProbabilityOfBenefit: probOfBenefit, Diagnostics: diagnostics, Plots: plots,
		RunID: run.RunID, ComputationTimeSeconds: time.Since(start).Seconds(),
		NObservationsPre: ds.NPre, NObservationsPost: ds.NPost,
	}, nil
}
