package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the server configuration, loaded from the environment.
type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	AuthMode    string `env:"AUTH_MODE" envDefault:"memory"`
	ArchiveMode string `env:"ARCHIVE_MODE" envDefault:"memory"`

	// NarrativeMode selects the enrichment backend: "static", "gemini"
	// or "off".
	NarrativeMode string `env:"NARRATIVE_MODE" envDefault:"static"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiModel   string `env:"GEMINI_MODEL"`
	GeminiBaseURL string `env:"GEMINI_BASE_URL"`

	ResolutionMode  string        `env:"RESOLUTION_MODE" envDefault:"barrier"`
	QuarterDeadline time.Duration `env:"QUARTER_DEADLINE" envDefault:"90s"`
	MaxQuarters     int           `env:"MAX_QUARTERS" envDefault:"20"`

	ReapInterval   time.Duration `env:"REAP_INTERVAL" envDefault:"1m"`
	SessionIdleTTL time.Duration `env:"SESSION_IDLE_TTL" envDefault:"30m"`

	EnrichWorkers    int           `env:"ENRICH_WORKERS" envDefault:"2"`
	EnrichMaxRetries uint64        `env:"ENRICH_MAX_RETRIES" envDefault:"3"`
	EnrichJobTimeout time.Duration `env:"ENRICH_JOB_TIMEOUT" envDefault:"45s"`
}

// Load parses the environment and validates cross-field constraints.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.NarrativeMode == "gemini" && cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("NARRATIVE_MODE=gemini requires GEMINI_API_KEY")
	}
	switch cfg.ResolutionMode {
	case "barrier", "immediate":
	default:
		return Config{}, fmt.Errorf("invalid RESOLUTION_MODE %q (supported: barrier, immediate)", cfg.ResolutionMode)
	}
	return cfg, nil
}
