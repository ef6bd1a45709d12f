package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yinkev/causalytics/internal/analyticsstore"
	"github.com/yinkev/causalytics/internal/config"
	"github.com/yinkev/causalytics/internal/eventschema"
	"github.com/yinkev/causalytics/internal/respcache"
	"github.com/yinkev/causalytics/internal/runregistry"
)

func testRouter(t *testing.T) (http.Handler, *analyticsstore.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := analyticsstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := runregistry.New(store.DB())
	cache := respcache.New("", 5*time.Minute, zerolog.Nop())

	cfg := &config.Config{
		CORSOrigins:      []string{"*"},
		MaxBodyBytes:     1 << 20,
		RateLimitEnabled: false,
	}

	router := NewRouter(cfg, zerolog.Nop(), store, registry, cache)
	return router, store
}

func TestHealthz(t *testing.T) {
	router, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestITSAnalyze_MalformedBody(t *testing.T) {
	router, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/analytics/its/analyze", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "invalid_json", body.Error)
}

func TestITSAnalyze_MissingUserIDMapsToBadRequest(t *testing.T) {
	router, _ := testRouter(t)
	payload := map[string]any{
		"interventionDate": time.Now().Add(-24 * time.Hour).Format(time.RFC3339),
	}
	buf, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/analytics/its/analyze", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "InvalidRequest", body.Error)
}

func TestITSAnalyze_FutureInterventionDateRejected(t *testing.T) {
	router, _ := testRouter(t)
	payload := map[string]any{
		"userId":           "user-1",
		"interventionDate": time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	}
	buf, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/analytics/its/analyze", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedSyntheticUser(t *testing.T, store *analyticsstore.Store, userID string, startDate time.Time) {
	t.Helper()
	var events []eventschema.BehavioralEvent
	hours := []int{8, 14, 20}
	for day := 0; day < 90; day++ {
		mean := 70.0
		if day >= 45 {
			mean = 75.0 + 0.15*float64(day-45)
		} else {
			mean = 70.0 + 0.1*float64(day)
		}
		date := startDate.AddDate(0, 0, day)
		for i, h := range hours {
			score := int(mean) + i
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
	_, err := store.Ingest(context.Background(), events)
	require.NoError(t, err)
}

func TestITSAnalyze_EndToEndSuccessAndHistoryListing(t *testing.T) {
	router, store := testRouter(t)
	startDate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedSyntheticUser(t, store, "user-http-1", startDate)

	payload := map[string]any{
		"userId":           "user-http-1",
		"interventionDate": startDate.AddDate(0, 0, 45).Format(time.RFC3339),
		"mcmcSamples":      500,
		"mcmcChains":       2,
	}
	buf, _ := json.Marshal(payload)

	req := httptest.NewRequest(http.MethodPost, "/analytics/its/analyze", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Contains(t, result, "mlflow_run_id")
	require.Contains(t, result, "mcmc_diagnostics")

	// History should now surface the persisted run.
	histReq := httptest.NewRequest(http.MethodGet, "/analytics/its/history/user-http-1", nil)
	histRec := httptest.NewRecorder()
	router.ServeHTTP(histRec, histReq)
	require.Equal(t, http.StatusOK, histRec.Code)

	var rows []itsHistoryRow
	require.NoError(t, json.NewDecoder(histRec.Body).Decode(&rows))
	require.Len(t, rows, 1)
}

func TestABABAnalyze_IncompleteDesignMapsToBadRequest(t *testing.T) {
	router, store := testRouter(t)
	ctx := context.Background()
	score := 50
	phase := "baseline_1"
	_, err := store.Ingest(ctx, []eventschema.BehavioralEvent{{
		ID: "e1", UserID: "user-abab-1", EventType: "SESSION_ENDED",
		EventData: map[string]interface{}{}, Timestamp: time.Now().Add(-time.Hour),
		SessionPerformanceScore: &score, ExperimentPhase: &phase,
	}})
	require.NoError(t, err)

	payload := map[string]any{"userId": "user-abab-1"}
	buf, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/analytics/abab/analyze", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestABABHistory_NotFoundForUnknownUser(t *testing.T) {
	router, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/analytics/abab/history/nobody", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "NotFound", body.Error)
}

func TestCORSPreflight(t *testing.T) {
	router, _ := testRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/analytics/its/analyze", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
