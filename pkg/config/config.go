// Package config loads server configuration from the environment, with a
// .env file picked up for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabasePath string
	EvidenceRoot string

	// FetchPoolSize bounds concurrent signal fetches per case.
	FetchPoolSize int

	// Scenario selects a built-in simulation scenario to back the signal
	// sources; ScenarioFile points at a YAML scenario pack instead.
	Scenario     string
	ScenarioFile string

	// BaselinesFile points at a YAML file of per-airport movement
	// baseline overrides.
	BaselinesFile string

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DatabasePath:     getenv("DATABASE_PATH", "gateposture.db"),
		EvidenceRoot:     getenv("EVIDENCE_ROOT", "evidence"),
		FetchPoolSize:    getenvInt("FETCH_POOL_SIZE", 5),
		Scenario:         getenv("SCENARIO", "normal_ops"),
		ScenarioFile:     os.Getenv("SCENARIO_FILE"),
		BaselinesFile:    os.Getenv("BASELINES_FILE"),
		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
