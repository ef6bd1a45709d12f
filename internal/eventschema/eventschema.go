// Package eventschema validates batches of behavioral events, row by
// row and across columns, in strict (fail-fast) or report mode.
package eventschema

import (
	"regexp"
	"strconv"
	"time"

	"github.com/yinkev/causalytics/internal/causalerr"
)

// Mode selects strict (fail-fast) or report (collect-all) validation.
type Mode int

const (
	StrictMode Mode = iota
	ReportMode
)

var cuidPattern = regexp.MustCompile(`^c[a-z0-9]{24}$`)

var validEventTypes = map[string]bool{
	"MISSION_STARTED":          true,
	"MISSION_COMPLETED":        true,
	"CARD_REVIEWED":            true,
	"VALIDATION_COMPLETED":     true,
	"SESSION_STARTED":          true,
	"SESSION_ENDED":            true,
	"LECTURE_UPLOADED":         true,
	"SEARCH_PERFORMED":         true,
	"GRAPH_VIEWED":             true,
	"RECOMMENDATION_VIEWED":    true,
	"RECOMMENDATION_CLICKED":   true,
	"RECOMMENDATION_DISMISSED": true,
	"RECOMMENDATION_RATED":     true,
}

var validCompletionQuality = map[string]bool{"RUSHED": true, "NORMAL": true, "THOROUGH": true}
var validEngagementLevel = map[string]bool{"LOW": true, "MEDIUM": true, "HIGH": true}
var validExperimentPhase = map[string]bool{
	"baseline_1":        true,
	"intervention_A_1":  true,
	"baseline_2":        true,
	"intervention_A_2":  true,
}

// BehavioralEvent is a single immutable observation for one learner.
type BehavioralEvent struct {
	ID        string
	UserID    string
	EventType string
	EventData map[string]interface{}
	Timestamp time.Time

	SessionPerformanceScore *int
	CompletionQuality       *string
	EngagementLevel         *string
	DayOfWeek               *int
	TimeOfDay               *int
	ExperimentPhase         *string
	RandomizationSeed       *int
	ContextMetadataID       *string

	// ContentType and DifficultyLevel are pass-through, non-validated
	// columns restored from the original schema's optional fields;
	// neither participates in any validation rule nor in C5/C6 compute.
	ContentType     *string
	DifficultyLevel *string
}

// ValidationFailure names one violated rule on one row.
type ValidationFailure struct {
	Column      string `json:"column"`
	Check       string `json:"check"`
	Index       int    `json:"index"`
	FailureCase string `json:"failure_case"`
}

// Report summarizes a report-mode validation pass.
type Report struct {
	TotalRows   int                 `json:"total_rows"`
	ValidRows   int                 `json:"valid_rows"`
	InvalidRows int                 `json:"invalid_rows"`
	Errors      []ValidationFailure `json:"errors"`
}

// Validator enforces the BehavioralEvent schema.
type Validator struct {
	now func() time.Time
}

// New constructs a Validator. now defaults to time.Now when nil.
func New(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

// Validate applies every row-level and cross-column rule to events.
//
// In StrictMode, the first violating row aborts the whole batch with a
// *causalerr.Error of kind ValidationError.
//
// In ReportMode, every row is checked; the Report enumerates every
// violation found, and the returned slice contains only the rows with
// zero violations (the "coerced, filtered" batch).
func (v *Validator) Validate(events []BehavioralEvent, mode Mode) (Report, []BehavioralEvent, error) {
	report := Report{TotalRows: len(events)}
	valid := make([]BehavioralEvent, 0, len(events))
	now := v.now()

	for idx, ev := range events {
		failures := v.checkRow(ev, now)
		if len(failures) == 0 {
			valid = append(valid, ev)
			continue
		}

		if mode == StrictMode {
			f := failures[0]
			return Report{}, nil, causalerr.Newf(
				causalerr.KindValidationError,
				"row %d failed check %q on column %q: %s", idx, f.Check, f.Column, f.FailureCase,
			)
		}

		for i := range failures {
			failures[i].Index = idx
		}
		report.Errors = append(report.Errors, failures...)
	}

	report.ValidRows = len(valid)
	report.InvalidRows = report.TotalRows - report.ValidRows
	return report, valid, nil
}

func (v *Validator) checkRow(ev BehavioralEvent, now time.Time) []ValidationFailure {
	var fails []ValidationFailure

	if !cuidPattern.MatchString(ev.ID) {
		fails = append(fails, ValidationFailure{Column: "id", Check: "cuid_format", FailureCase: ev.ID})
	}
	if !cuidPattern.MatchString(ev.UserID) {
		fails = append(fails, ValidationFailure{Column: "userId", Check: "cuid_format", FailureCase: ev.UserID})
	}
	if !validEventTypes[ev.EventType] {
		fails = append(fails, ValidationFailure{Column: "eventType", Check: "isin", FailureCase: ev.EventType})
	}
	if ev.EventData == nil {
		fails = append(fails, ValidationFailure{Column: "eventData", Check: "not_null", FailureCase: "nil"})
	}
	if ev.Timestamp.After(now) {
		fails = append(fails, ValidationFailure{Column: "timestamp", Check: "timestamp_not_future", FailureCase: ev.Timestamp.String()})
	}
	fiveYearsAgo := now.AddDate(-5, 0, 0)
	if ev.Timestamp.Before(fiveYearsAgo) {
		fails = append(fails, ValidationFailure{Column: "timestamp", Check: "timestamp_reasonable", FailureCase: ev.Timestamp.String()})
	}

	if ev.CompletionQuality != nil && !validCompletionQuality[*ev.CompletionQuality] {
		fails = append(fails, ValidationFailure{Column: "completionQuality", Check: "isin", FailureCase: *ev.CompletionQuality})
	}
	if ev.EngagementLevel != nil && !validEngagementLevel[*ev.EngagementLevel] {
		fails = append(fails, ValidationFailure{Column: "engagementLevel", Check: "isin", FailureCase: *ev.EngagementLevel})
	}
	if ev.DayOfWeek != nil && (*ev.DayOfWeek < 0 || *ev.DayOfWeek > 6) {
		fails = append(fails, ValidationFailure{Column: "dayOfWeek", Check: "range", FailureCase: strconv.Itoa(*ev.DayOfWeek)})
	}
	if ev.TimeOfDay != nil && (*ev.TimeOfDay < 0 || *ev.TimeOfDay > 23) {
		fails = append(fails, ValidationFailure{Column: "timeOfDay", Check: "range", FailureCase: strconv.Itoa(*ev.TimeOfDay)})
	}
	if ev.SessionPerformanceScore != nil && (*ev.SessionPerformanceScore < 0 || *ev.SessionPerformanceScore > 100) {
		fails = append(fails, ValidationFailure{Column: "sessionPerformanceScore", Check: "range", FailureCase: strconv.Itoa(*ev.SessionPerformanceScore)})
	}
	if ev.ExperimentPhase != nil && !validExperimentPhase[*ev.ExperimentPhase] {
		fails = append(fails, ValidationFailure{Column: "experimentPhase", Check: "isin", FailureCase: *ev.ExperimentPhase})
	}

	if ev.ExperimentPhase != nil && ev.ContextMetadataID == nil {
		fails = append(fails, ValidationFailure{
			Column:      "contextMetadataId",
			Check:       "experiment_phase_requires_metadata",
			FailureCase: "experimentPhase set without contextMetadataId",
		})
	}

	return fails
}
