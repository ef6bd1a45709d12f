// REST handlers for the ITS and ABAB analyze/history endpoints:
// decode the request body, run the engine behind a response-cache
// memoization layer, translate errors, write the JSON envelope.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/yinkev/causalytics/internal/abab"
	"github.com/yinkev/causalytics/internal/analyticsstore"
	"github.com/yinkev/causalytics/internal/causalerr"
	"github.com/yinkev/causalytics/internal/its"
	"github.com/yinkev/causalytics/internal/respcache"
	"github.com/yinkev/causalytics/internal/runregistry"
)

// Handlers holds the dependencies shared by every analytics route.
type Handlers struct {
	store    *analyticsstore.Store
	registry *runregistry.Registry
	cache    *respcache.Cache
	logger   zerolog.Logger
}

// NewHandlers wires the analytics store, run registry, and response
// cache into a set of route handlers.
func NewHandlers(store *analyticsstore.Store, registry *runregistry.Registry, cache *respcache.Cache, logger zerolog.Logger) *Handlers {
	return &Handlers{store: store, registry: registry, cache: cache, logger: logger.With().Str("component", "httpapi").Logger()}
}

// ─── ITS ────────────────────────────────────────────────────

// itsAnalyzeRequest is the wire shape of POST /analytics/its/analyze.
type itsAnalyzeRequest struct {
	UserID           string     `json:"userId"`
	InterventionDate time.Time  `json:"interventionDate"`
	OutcomeMetric    string     `json:"outcomeMetric"`
	IncludeDayOfWeek bool       `json:"includeDayOfWeek"`
	IncludeTimeOfDay bool       `json:"includeTimeOfDay"`
	MCMCSamples      int        `json:"mcmcSamples"`
	MCMCChains       int        `json:"mcmcChains"`
	StartDate        *time.Time `json:"startDate,omitempty"`
	EndDate          *time.Time `json:"endDate,omitempty"`
}

// ITSAnalyze handles POST /analytics/its/analyze.
func (h *Handlers) ITSAnalyze(w http.ResponseWriter, r *http.Request) {
	var req itsAnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	engineReq := its.Request{
		UserID:           req.UserID,
		InterventionDate: req.InterventionDate,
		OutcomeMetric:    req.OutcomeMetric,
		IncludeDayOfWeek: req.IncludeDayOfWeek,
		IncludeTimeOfDay: req.IncludeTimeOfDay,
		MCMCSamples:      req.MCMCSamples,
		MCMCChains:       req.MCMCChains,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
	}

	cacheKey := respcache.Key("its:analyze", nil, map[string]any{
		"user_id": req.UserID, "intervention_date": req.InterventionDate.UTC().Format(time.RFC3339),
		"outcome_metric": req.OutcomeMetric, "include_dow": req.IncludeDayOfWeek,
		"include_hour": req.IncludeTimeOfDay, "mcmc_samples": req.MCMCSamples, "mcmc_chains": req.MCMCChains,
	})

	ctx := r.Context()
	result, err := respcache.Memoize(ctx, h.cache, cacheKey, 0, func() (*its.Result, error) {
		return its.RunAnalysis(ctx, h.store, h.registry, engineReq)
	})
	if err != nil {
		writeCausalErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// itsHistoryRow is one entry in the ITS history listing (§6.1).
type itsHistoryRow struct {
	RunID                  string  `json:"runId"`
	StartTime              string  `json:"startTime"`
	InterventionDate       string  `json:"interventionDate,omitempty"`
	ImmediateEffect        float64 `json:"immediate_effect"`
	SustainedEffect        float64 `json:"sustained_effect"`
	CounterfactualEffect   float64 `json:"counterfactual_effect"`
	ProbabilityOfBenefit   float64 `json:"probability_of_benefit"`
	MaxRHat                float64 `json:"max_rhat"`
	Converged              bool    `json:"converged"`
	ComputationTime        float64 `json:"computation_time"`
	NObservationsPre       int     `json:"n_observations_pre"`
	NObservationsPost      int     `json:"n_observations_post"`
}

// ITSHistory handles GET /analytics/its/history/{userId}?limit&offset.
func (h *Handlers) ITSHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	limit, offset := parseLimitOffset(r)

	runs := h.registry.Search(runregistry.SearchFilter{AnalysisType: "its", Tag: "user_id", TagValue: userID})
	if len(runs) == 0 {
		writeCausalErr(w, causalerr.Newf(causalerr.KindNotFound, "no ITS analyses found for user %q", userID))
		return
	}
	runs = paginate(runs, limit, offset)

	rows := make([]itsHistoryRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, itsHistoryRow{
			RunID:                run.RunID,
			StartTime:            run.StartTime.UTC().Format(time.RFC3339),
			InterventionDate:     asString(run.Params["intervention_date"]),
			ImmediateEffect:      run.Metrics["immediate_effect"],
			SustainedEffect:      run.Metrics["sustained_effect"],
			CounterfactualEffect: run.Metrics["counterfactual_effect"],
			ProbabilityOfBenefit: run.Metrics["probability_of_benefit"],
			MaxRHat:              maxTagged(run.Metrics, "rhat_"),
			Converged:            run.Tags["converged"] == "yes",
			ComputationTime:      run.Metrics["computation_time_seconds"],
			NObservationsPre:     int(run.Metrics["n_observations_pre"]),
			NObservationsPost:    int(run.Metrics["n_observations_post"]),
		})
	}

	writeJSON(w, http.StatusOK, rows)
}

// ─── ABAB ───────────────────────────────────────────────────

type ababAnalyzeRequest struct {
	UserID        string `json:"userId"`
	ProtocolID    string `json:"protocolId"`
	OutcomeMetric string `json:"outcomeMetric"`
	NPermutations int    `json:"nPermutations"`
	Seed          *int64 `json:"seed,omitempty"`
}

// ABABAnalyze handles POST /analytics/abab/analyze.
func (h *Handlers) ABABAnalyze(w http.ResponseWriter, r *http.Request) {
	var req ababAnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	engineReq := abab.AnalysisRequest{
		UserID: req.UserID, ProtocolID: req.ProtocolID,
		OutcomeMetric: req.OutcomeMetric, NPermutations: req.NPermutations, Seed: req.Seed,
	}

	cacheKey := respcache.Key("abab:analyze", nil, map[string]any{
		"user_id": req.UserID, "protocol_id": req.ProtocolID,
		"outcome_metric": req.OutcomeMetric, "n_permutations": req.NPermutations, "seed": req.Seed,
	})

	ctx := r.Context()
	result, err := respcache.Memoize(ctx, h.cache, cacheKey, 0, func() (*abab.Result, error) {
		return abab.RunAnalysis(ctx, h.store, h.registry, engineReq)
	})
	if err != nil {
		writeCausalErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type ababHistoryRow struct {
	RunID           string  `json:"runId"`
	StartTime       string  `json:"startTime"`
	ProtocolID      string  `json:"protocolId,omitempty"`
	ObservedEffect  float64 `json:"observed_effect"`
	PValue          float64 `json:"p_value"`
	CohensD         float64 `json:"cohens_d"`
	WWCRating       string  `json:"wwc_rating"`
	PassesWWC       bool    `json:"passes_wwc"`
	ComputationTime float64 `json:"computation_time"`
}

// ABABHistory handles GET /analytics/abab/history/{userId}?limit&offset.
func (h *Handlers) ABABHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}

	limit, offset := parseLimitOffset(r)

	runs := h.registry.Search(runregistry.SearchFilter{AnalysisType: "abab", Tag: "user_id", TagValue: userID})
	if len(runs) == 0 {
		writeCausalErr(w, causalerr.Newf(causalerr.KindNotFound, "no ABAB analyses found for user %q", userID))
		return
	}
	runs = paginate(runs, limit, offset)

	rows := make([]ababHistoryRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, ababHistoryRow{
			RunID:           run.RunID,
			StartTime:       run.StartTime.UTC().Format(time.RFC3339),
			ProtocolID:      asString(run.Params["protocol_id"]),
			ObservedEffect:  run.Metrics["observed_effect"],
			PValue:          run.Metrics["p_value"],
			CohensD:         run.Metrics["cohens_d"],
			WWCRating:       run.Tags["wwc_rating"],
			PassesWWC:       run.Tags["passes_wwc"] == "yes",
			ComputationTime: run.Metrics["computation_time_seconds"],
		})
	}

	writeJSON(w, http.StatusOK, rows)
}

// ─── shared helpers ─────────────────────────────────────────

func parseLimitOffset(r *http.Request) (int, int) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func paginate(runs []*runregistry.Run, limit, offset int) []*runregistry.Run {
	if offset >= len(runs) {
		return nil
	}
	runs = runs[offset:]
	if limit < len(runs) {
		runs = runs[:limit]
	}
	return runs
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// maxTagged returns the largest metric value among keys starting with
// prefix — used to surface max_rhat from the per-parameter rhat_* metrics
// logged by the ITS engine.
func maxTagged(metrics map[string]float64, prefix string) float64 {
	var max float64
	for k, v := range metrics {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && v > max {
			max = v
		}
	}
	return max
}
