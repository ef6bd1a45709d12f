// Command causalytics-server is the process entry point: config →
// logger → analytics store → run registry → response cache → router →
// HTTP server → graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yinkev/causalytics/internal/analyticsstore"
	"github.com/yinkev/causalytics/internal/config"
	"github.com/yinkev/causalytics/internal/httpapi"
	"github.com/yinkev/causalytics/internal/logging"
	"github.com/yinkev/causalytics/internal/respcache"
	"github.com/yinkev/causalytics/internal/runregistry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	log.Info().Str("env", string(cfg.Environment)).Msg("causalytics starting")

	ctx := context.Background()

	store, err := analyticsstore.Open(ctx, cfg.AnalyticsStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open analytics store")
	}
	defer store.Close()

	registry := runregistry.New(store.DB())
	if err := registry.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("run registry load failed — starting with an empty registry")
	}

	cache := respcache.New(cfg.RedisURL, cfg.DefaultTTL, log)
	if cache.Stats().Degraded {
		log.Warn().Msg("response cache degraded — running without Redis")
	} else {
		log.Info().Msg("response cache connected")
	}

	r := httpapi.NewRouter(cfg, log, store, registry, cache)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ITSTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("causalytics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("causalytics stopped gracefully")
	}
}
