package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileYAML = `
name: batch-heavy
scheduler:
  queue_capacity: 1000
  dispatch_timeout: 2m
security:
  restricted_risk_cap: 20
engine_array:
  workers: 16
`

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProfileAndApply(t *testing.T) {
	p, err := LoadProfile(writeProfile(t, profileYAML))
	require.NoError(t, err)
	assert.Equal(t, "batch-heavy", p.Name)

	cfg := Load()
	p.Apply(cfg)

	assert.Equal(t, 1000, cfg.QueueCapacity)
	assert.Equal(t, 2*time.Minute, cfg.DispatchTimeout)
	assert.Equal(t, float64(20), cfg.RestrictedRiskCap)
	assert.Equal(t, 16, cfg.Workers)

	// Fields the profile leaves unset keep their env defaults.
	assert.Equal(t, 4, cfg.Dispatchers)
	assert.Equal(t, float64(250), cfg.LockdownThreshold)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadProfileMalformedYAML(t *testing.T) {
	_, err := LoadProfile(writeProfile(t, "scheduler: [not a map"))
	assert.Error(t, err)
}

func TestLoadWithProfileEnvVar(t *testing.T) {
	path := writeProfile(t, profileYAML)
	t.Setenv("ARBITER_PROFILE", path)

	cfg, err := LoadWithProfile()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.QueueCapacity)

	t.Setenv("ARBITER_PROFILE", "")
	cfg, err = LoadWithProfile()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.QueueCapacity)
}
