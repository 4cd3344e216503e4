// Package config loads kernel configuration from environment variables,
// with an optional YAML profile overlay for per-deployment tuning.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds kernel configuration. Genesis hash and key material are
// loaded once at startup and immutable thereafter; key rotation
// requires a new kernel generation.
type Config struct {
	LogLevel string

	// Signing key seed, hex-encoded. Empty means an ephemeral key.
	KeySeedHex string

	// Chain root the first capsule links to, hex-encoded SHA-256.
	// Empty selects the built-in root.
	GenesisHash string

	// Scheduler
	QueueCapacity   int
	Dispatchers     int
	DispatchTimeout time.Duration
	ActorRatePerSec float64
	ActorBurst      int

	// Engine array
	Workers             int
	QuarantineThreshold int

	// Security engine
	RestrictedThreshold float64
	LockdownThreshold   float64
	RestrictedRiskCap   float64
	RiskWindow          time.Duration

	// Intent compiler
	NonceRetention time.Duration

	// Storage
	SQLitePath  string // empty selects in-memory stores
	PostgresURL string // set to use Postgres for the audit log
	RedisAddr   string // set to share nonce state across instances

	// Observability
	OTLPEndpoint string
	OTLPEnabled  bool
	OTLPInsecure bool
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		LogLevel:    envStr("LOG_LEVEL", "INFO"),
		KeySeedHex:  os.Getenv("ARBITER_KEY_SEED"),
		GenesisHash: os.Getenv("ARBITER_GENESIS_HASH"),

		QueueCapacity:   envInt("ARBITER_QUEUE_CAPACITY", 100),
		Dispatchers:     envInt("ARBITER_DISPATCHERS", 4),
		DispatchTimeout: envDuration("ARBITER_DISPATCH_TIMEOUT", 30*time.Second),
		ActorRatePerSec: envFloat("ARBITER_ACTOR_RATE", 0),
		ActorBurst:      envInt("ARBITER_ACTOR_BURST", 0),

		Workers:             envInt("ARBITER_WORKERS", 4),
		QuarantineThreshold: envInt("ARBITER_QUARANTINE_THRESHOLD", 3),

		RestrictedThreshold: envFloat("ARBITER_RESTRICTED_THRESHOLD", 100),
		LockdownThreshold:   envFloat("ARBITER_LOCKDOWN_THRESHOLD", 250),
		RestrictedRiskCap:   envFloat("ARBITER_RESTRICTED_RISK_CAP", 5),
		RiskWindow:          envDuration("ARBITER_RISK_WINDOW", 5*time.Minute),

		NonceRetention: envDuration("ARBITER_NONCE_RETENTION", 24*time.Hour),

		SQLitePath:  os.Getenv("ARBITER_SQLITE_PATH"),
		PostgresURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTLPInsecure: os.Getenv("OTEL_INSECURE") == "true",
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
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
