package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Profile is a YAML overlay for one deployment. Only set fields
// override the environment-derived config; zero values are ignored so a
// profile can tune a single knob.
type Profile struct {
	Name string `yaml:"name"`

	Scheduler struct {
		QueueCapacity   int      `yaml:"queue_capacity"`
		Dispatchers     int      `yaml:"dispatchers"`
		DispatchTimeout Duration `yaml:"dispatch_timeout"`
		ActorRatePerSec float64  `yaml:"actor_rate_per_sec"`
		ActorBurst      int      `yaml:"actor_burst"`
	} `yaml:"scheduler"`

	EngineArray struct {
		Workers             int `yaml:"workers"`
		QuarantineThreshold int `yaml:"quarantine_threshold"`
	} `yaml:"engine_array"`

	Security struct {
		RestrictedThreshold float64  `yaml:"restricted_threshold"`
		LockdownThreshold   float64  `yaml:"lockdown_threshold"`
		RestrictedRiskCap   float64  `yaml:"restricted_risk_cap"`
		RiskWindow          Duration `yaml:"risk_window"`
	} `yaml:"security"`

	Compiler struct {
		NonceRetention Duration `yaml:"nonce_retention"`
	} `yaml:"compiler"`
}

// LoadProfile parses a profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &p, nil
}

// Apply overlays the profile's set fields onto the config.
func (p *Profile) Apply(cfg *Config) {
	if p.Scheduler.QueueCapacity > 0 {
		cfg.QueueCapacity = p.Scheduler.QueueCapacity
	}
	if p.Scheduler.Dispatchers > 0 {
		cfg.Dispatchers = p.Scheduler.Dispatchers
	}
	if p.Scheduler.DispatchTimeout > 0 {
		cfg.DispatchTimeout = time.Duration(p.Scheduler.DispatchTimeout)
	}
	if p.Scheduler.ActorRatePerSec > 0 {
		cfg.ActorRatePerSec = p.Scheduler.ActorRatePerSec
	}
	if p.Scheduler.ActorBurst > 0 {
		cfg.ActorBurst = p.Scheduler.ActorBurst
	}

	if p.EngineArray.Workers > 0 {
		cfg.Workers = p.EngineArray.Workers
	}
	if p.EngineArray.QuarantineThreshold > 0 {
		cfg.QuarantineThreshold = p.EngineArray.QuarantineThreshold
	}

	if p.Security.RestrictedThreshold > 0 {
		cfg.RestrictedThreshold = p.Security.RestrictedThreshold
	}
	if p.Security.LockdownThreshold > 0 {
		cfg.LockdownThreshold = p.Security.LockdownThreshold
	}
	if p.Security.RestrictedRiskCap > 0 {
		cfg.RestrictedRiskCap = p.Security.RestrictedRiskCap
	}
	if p.Security.RiskWindow > 0 {
		cfg.RiskWindow = time.Duration(p.Security.RiskWindow)
	}

	if p.Compiler.NonceRetention > 0 {
		cfg.NonceRetention = time.Duration(p.Compiler.NonceRetention)
	}
}

// LoadWithProfile loads the environment config and, if ARBITER_PROFILE
// names a YAML file, overlays it.
func LoadWithProfile() (*Config, error) {
	cfg := Load()
	path := os.Getenv("ARBITER_PROFILE")
	if path == "" {
		return cfg, nil
	}
	profile, err := LoadProfile(path)
	if err != nil {
		return nil, err
	}
	profile.Apply(cfg)
	return cfg, nil
}
