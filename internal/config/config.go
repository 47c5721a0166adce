// Package config loads watchdog settings from the environment, with an
// optional .env file that never overrides variables already present in
// the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds all runtime configuration for the watchdog process.
type Settings struct {
	// DatabaseURL is the SQLite database path.
	DatabaseURL string
	// StorageBackend selects the file storage backend. Only "local" is supported.
	StorageBackend string
	// StoragePath is the root directory for downloaded files.
	StoragePath string

	// OpenAIAPIKey authenticates LLM calls. Empty disables triage/case build.
	OpenAIAPIKey string
	// LLMMonthlyBudgetEUR caps estimated LLM spend per calendar month.
	LLMMonthlyBudgetEUR float64
	// TriageMaxTokens bounds the triage prompt size.
	TriageMaxTokens int
	// CaseBuildMaxTokens bounds the case-build prompt size.
	CaseBuildMaxTokens int

	// TickInterval is the daemon scheduling period.
	TickInterval time.Duration
	// TickBudget bounds how long a single tick may drain the pipeline.
	TickBudget time.Duration

	// RateLimitRPS is the per-host outbound request rate.
	RateLimitRPS float64
	// ContactEmail is embedded into the User-Agent header.
	ContactEmail string

	// SourcesFile is a YAML seed file watched by the daemon for new
	// sources. Empty disables the watcher.
	SourcesFile string

	// NATSURL enables event publishing when non-empty.
	NATSURL string
	// MetricsAddr enables the Prometheus endpoint when non-empty (e.g. ":9090").
	MetricsAddr string
}

// Load reads settings from the environment. A .env file in the working
// directory is merged in first (existing process env wins).
func Load() (*Settings, error) {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err == nil {
			// godotenv.Load never overwrites existing variables.
			if err := godotenv.Load(name); err != nil {
				return nil, fmt.Errorf("load %s: %w", name, err)
			}
			break
		}
	}

	s := &Settings{
		DatabaseURL:         getEnv("DATABASE_URL", "./data/watchdog.db"),
		StorageBackend:      getEnv("STORAGE_BACKEND", "local"),
		StoragePath:         getEnv("STORAGE_PATH", "./data/files"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		LLMMonthlyBudgetEUR: getEnvFloat("LLM_MONTHLY_BUDGET_EUR", 10.0),
		TriageMaxTokens:     getEnvInt("TRIAGE_MAX_TOKENS", 4000),
		CaseBuildMaxTokens:  getEnvInt("CASE_BUILD_MAX_TOKENS", 8000),
		TickInterval:        time.Duration(getEnvInt("TICK_INTERVAL_SECONDS", 900)) * time.Second,
		TickBudget:          time.Duration(getEnvInt("TICK_BUDGET_SECONDS", 600)) * time.Second,
		RateLimitRPS:        getEnvFloat("RATE_LIMIT_RPS", 1.0),
		ContactEmail:        getEnv("CONTACT_EMAIL", "contact@example.com"),
		SourcesFile:         os.Getenv("SOURCES_FILE"),
		NATSURL:             os.Getenv("NATS_URL"),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (s *Settings) Validate() error {
	if s.StorageBackend != "local" {
		return fmt.Errorf("unsupported STORAGE_BACKEND %q (only \"local\")", s.StorageBackend)
	}
	if s.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must not be empty")
	}
	if s.LLMMonthlyBudgetEUR < 0 {
		return fmt.Errorf("LLM_MONTHLY_BUDGET_EUR must be >= 0")
	}
	if s.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be > 0")
	}
	if s.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL_SECONDS must be > 0")
	}
	return nil
}

// UserAgent returns the polite identifying User-Agent string.
func (s *Settings) UserAgent() string {
	return fmt.Sprintf("watchdog/1.0 (+%s)", s.ContactEmail)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
