package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arbiter-labs/arbiter/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("ARBITER_QUEUE_CAPACITY", "")
	t.Setenv("ARBITER_RISK_WINDOW", "")
	t.Setenv("ARBITER_KEY_SEED", "")
	t.Setenv("ARBITER_GENESIS_HASH", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("OTEL_ENABLED", "")

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, 4, cfg.Dispatchers)
	assert.Equal(t, 30*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.QuarantineThreshold)
	assert.Equal(t, float64(100), cfg.RestrictedThreshold)
	assert.Equal(t, float64(250), cfg.LockdownThreshold)
	assert.Equal(t, 5*time.Minute, cfg.RiskWindow)
	assert.Equal(t, 24*time.Hour, cfg.NonceRetention)
	assert.Empty(t, cfg.KeySeedHex)
	assert.Empty(t, cfg.GenesisHash)
	assert.False(t, cfg.OTLPEnabled)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ARBITER_QUEUE_CAPACITY", "500")
	t.Setenv("ARBITER_DISPATCH_TIMEOUT", "10s")
	t.Setenv("ARBITER_LOCKDOWN_THRESHOLD", "400.5")
	t.Setenv("ARBITER_ACTOR_RATE", "2.5")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("ARBITER_GENESIS_HASH", "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 500, cfg.QueueCapacity)
	assert.Equal(t, 10*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 400.5, cfg.LockdownThreshold)
	assert.Equal(t, 2.5, cfg.ActorRatePerSec)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b", cfg.GenesisHash)
	assert.True(t, cfg.OTLPEnabled)
}

// TestLoad_MalformedValuesFallBack verifies unparsable values keep the
// defaults rather than failing startup.
func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("ARBITER_QUEUE_CAPACITY", "lots")
	t.Setenv("ARBITER_RISK_WINDOW", "soon")

	cfg := config.Load()
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, 5*time.Minute, cfg.RiskWindow)
}
