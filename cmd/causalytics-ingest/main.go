// Command causalytics-ingest is the batch ingestion CLI: it reads
// newline-delimited BehavioralEvent JSON from stdin, filters by
// --days/--user-id, validates (unless --no-validate), writes a
// timestamped Parquet artifact plus a latest alias, and optionally
// (--sync) loads the batch into the analytics store.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yinkev/causalytics/internal/analyticsstore"
	"github.com/yinkev/causalytics/internal/config"
	"github.com/yinkev/causalytics/internal/eventschema"
	"github.com/yinkev/causalytics/internal/logging"
)

func main() {
	days := flag.Int("days", 0, "restrict to events within the last N days (0 = no window)")
	userID := flag.String("user-id", "", "restrict to a single userId (empty = all users)")
	sync := flag.Bool("sync", false, "also load the batch into the analytics store after writing the parquet artifact")
	noValidate := flag.Bool("no-validate", false, "skip schema validation (C1)")
	nonStrict := flag.Bool("non-strict", false, "run validation in report mode instead of strict (fail-fast) mode")
	flag.Parse()

	cfg := config.Load()
	log := logging.New(cfg)

	events, err := readEvents(os.Stdin)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read events from stdin")
	}
	log.Info().Int("count", len(events)).Msg("read events from stdin")

	events = filterEvents(events, *days, *userID)
	log.Info().Int("count", len(events)).Msg("events after --days/--user-id filtering")

	if !*noValidate {
		mode := eventschema.StrictMode
		if *nonStrict {
			mode = eventschema.ReportMode
		}
		validator := eventschema.New(nil)
		report, valid, err := validator.Validate(events, mode)
		if err != nil {
			log.Fatal().Err(err).Msg("validation failed in strict mode")
		}
		log.Info().Int("total", report.TotalRows).Int("valid", report.ValidRows).
			Int("invalid", report.InvalidRows).Msg("validation report")
		for _, f := range report.Errors {
			log.Warn().Str("column", f.Column).Str("check", f.Check).Int("index", f.Index).
				Str("failure_case", f.FailureCase).Msg("validation failure")
		}
		events = valid
	}

	writer, err := analyticsstore.NewArtifactWriter(cfg.RawArtifactDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open raw artifact directory")
	}
	path, err := writer.Write(events)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to write parquet artifact")
	}
	log.Info().Str("path", path).Msg("wrote parquet artifact")

	if *sync {
		ctx := context.Background()
		store, err := analyticsstore.Open(ctx, cfg.AnalyticsStorePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open analytics store for sync")
		}
		defer store.Close()

		warnings, err := store.Ingest(ctx, events)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to ingest batch into analytics store")
		}
		for _, w := range warnings {
			log.Warn().Str("index", w.Index).Err(w.Err).Msg("index creation warning")
		}
		log.Info().Int("count", len(events)).Msg("synced batch into analytics store")
	}
}

func readEvents(r io.Reader) ([]eventschema.BehavioralEvent, error) {
	var events []eventschema.BehavioralEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev eventschema.BehavioralEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func filterEvents(events []eventschema.BehavioralEvent, days int, userID string) []eventschema.BehavioralEvent {
	if days <= 0 && userID == "" {
		return events
	}
	var cutoff time.Time
	if days > 0 {
		cutoff = time.Now().AddDate(0, 0, -days)
	}
	out := make([]eventschema.BehavioralEvent, 0, len(events))
	for _, ev := range events {
		if days > 0 && ev.Timestamp.Before(cutoff) {
			continue
		}
		if userID != "" && ev.UserID != userID {
			continue
		}
		out = append(out, ev)
	}
	return out
}
