// Package config loads runtime configuration from environment
// variables with development-friendly defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Storage. Driver is "sqlite" or "postgres"; the DSN follows the
	// driver's format.
	DatabaseDriver string
	DatabaseURL    string

	// Policy pack path, watched for hot reload.
	PolicyPack string

	// Reviewer authentication. Empty secret disables the escalation
	// review endpoints.
	JWTSecret string

	// Seed for the chain signing key. Empty means an ephemeral key,
	// which is only acceptable in development.
	SigningSeed string

	// Velocity backend. Empty RedisAddr selects the in-process limiter.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Regulatory binding for the ceiling layer.
	DeploymentID string
	Framework    string

	// Chain anchoring. Empty AnchorDir and S3Bucket disable export.
	AnchorDir      string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	AnchorInterval time.Duration

	// Escalation timeout sweep cadence.
	SweepInterval time.Duration

	// Full-chain verification cadence. Failures feed the system
	// circuit breaker.
	VerifyInterval time.Duration

	// Telemetry.
	OTLPEndpoint     string
	TelemetryEnabled bool
	Environment      string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabaseDriver: envOr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    envOr("DATABASE_URL", "file:cognigate.db?_pragma=journal_mode(WAL)"),
		PolicyPack:     envOr("POLICY_PACK", "policies/default.yaml"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		SigningSeed:    os.Getenv("SIGNING_SEED"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		DeploymentID: envOr("DEPLOYMENT_ID", "local"),
		Framework:    envOr("REGULATORY_FRAMEWORK", "none"),

		AnchorDir:      os.Getenv("ANCHOR_DIR"),
		S3Bucket:       os.Getenv("ANCHOR_S3_BUCKET"),
		S3Region:       envOr("ANCHOR_S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("ANCHOR_S3_ENDPOINT"),
		AnchorInterval: envDuration("ANCHOR_INTERVAL", time.Hour),

		SweepInterval: envDuration("ESCALATION_SWEEP_INTERVAL", 30*time.Second),

		VerifyInterval: envDuration("CHAIN_VERIFY_INTERVAL", 5*time.Minute),

		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		Environment:      envOr("ENVIRONMENT", "development"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
