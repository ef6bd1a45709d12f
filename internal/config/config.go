// Package config loads service-wide configuration from environment
// variables and an optional .env file: server, storage paths, cache,
// and analysis defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment enumerates the three deployment environments.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds every configuration value consumed by the service shell
// and the six core components. Fields correspond to the "Dynamic
// configuration" design note: environment, default_ttl, cors_origins,
// mcmc_samples_default, mcmc_chains_default, ttl_default, plot_dpi.
type Config struct {
	// Server
	Addr            string
	Environment     Environment
	GracefulTimeout time.Duration

	// CORS
	CORSOrigins []string

	// Redis-backed response cache
	RedisURL   string
	DefaultTTL time.Duration // default 300s (CACHE_DEFAULT_TTL_SEC)

	// Analytics store / run registry (both backed by the same embedded
	// SQLite file).
	AnalyticsStorePath string
	RawArtifactDir     string

	// Analysis defaults
	MCMCSamplesDefault int
	MCMCChainsDefault  int
	PlotDPI            int

	// Budgets (§5)
	ITSTimeout          time.Duration
	ABABTimeoutSmall     time.Duration // at <=10k permutations
	ABABTimeoutLarge     time.Duration // at >10k permutations

	// Rate limiting (HTTP shell)
	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file, falling back to documented defaults.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("CAUSALYTICS_GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		Addr:               getEnv("CAUSALYTICS_ADDR", ":8090"),
		Environment:         Environment(getEnv("ENV", string(EnvDevelopment))),
		GracefulTimeout:     time.Duration(gracefulSec) * time.Second,
		CORSOrigins:         getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		DefaultTTL:          time.Duration(getEnvInt("CACHE_DEFAULT_TTL_SEC", 300)) * time.Second,
		AnalyticsStorePath:  getEnv("ANALYTICS_STORE_PATH", "./data/analytics.db"),
		RawArtifactDir:      getEnv("RAW_ARTIFACT_DIR", "./data/raw"),
		MCMCSamplesDefault:  getEnvInt("MCMC_SAMPLES_DEFAULT", 2000),
		MCMCChainsDefault:   getEnvInt("MCMC_CHAINS_DEFAULT", 4),
		PlotDPI:             getEnvInt("PLOT_DPI", 150),
		ITSTimeout:          time.Duration(getEnvInt("ITS_TIMEOUT_SEC", 120)) * time.Second,
		ABABTimeoutSmall:    time.Duration(getEnvInt("ABAB_TIMEOUT_SMALL_SEC", 10)) * time.Second,
		ABABTimeoutLarge:    time.Duration(getEnvInt("ABAB_TIMEOUT_LARGE_SEC", 30)) * time.Second,
		RateLimitEnabled:    getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", 120),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 20),
		MaxBodyBytes:        int64(getEnvInt("MAX_BODY_BYTES", 1*1024*1024)),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v = strings.Trim(v, `"'`)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
