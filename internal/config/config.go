package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the golem engine.
type Config struct {
	Port      int
	Version   string
	Cache     CacheConfig
	Guardrail GuardrailConfig
	Telemetry TelemetryConfig
}

type CacheConfig struct {
	// TTL is how long a compiled graph stays cached. Zero disables expiry.
	TTL time.Duration
	// SweepInterval is how often the janitor drops expired entries.
	SweepInterval time.Duration
}

type GuardrailConfig struct {
	// MaxToolCallsCeiling caps what a blueprint Spine may request.
	// Zero means no ceiling.
	MaxToolCallsCeiling int
	// TimeoutCeiling caps the per-execution wall-clock budget a Spine may
	// request. Zero means no ceiling.
	TimeoutCeiling time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("GOLEM_PORT", 8080),
		Version: envStr("GOLEM_VERSION", "0.2.0"),
		Cache: CacheConfig{
			TTL:           time.Duration(envInt("GOLEM_CACHE_TTL_SECONDS", 3600)) * time.Second,
			SweepInterval: time.Duration(envInt("GOLEM_CACHE_SWEEP_SECONDS", 300)) * time.Second,
		},
		Guardrail: GuardrailConfig{
			MaxToolCallsCeiling: envInt("GOLEM_MAX_TOOL_CALLS_CEILING", 0),
			TimeoutCeiling:      time.Duration(envInt("GOLEM_TIMEOUT_CEILING_SECONDS", 0)) * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "golem-engine"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
