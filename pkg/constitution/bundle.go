package constitution

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// BundleFormatConstraint is the range of bundle format versions this
// kernel generation can load.
const BundleFormatConstraint = ">= 1.0.0, < 2.0.0"

// Bundle is the YAML document format for publishing a constitution.
type Bundle struct {
	FormatVersion string       `yaml:"format_version"`
	Version       uint64       `yaml:"version"`
	EffectiveFrom time.Time    `yaml:"effective_from"`
	EffectiveUntil *time.Time  `yaml:"effective_until,omitempty"`
	IntentSchema  string       `yaml:"intent_schema,omitempty"`
	Rules         []BundleRule `yaml:"rules"`
}

// BundleRule mirrors contracts.Rule in YAML form.
type BundleRule struct {
	ID         string  `yaml:"id"`
	Predicate  string  `yaml:"predicate"`
	Verdict    string  `yaml:"verdict"`
	RiskWeight float64 `yaml:"risk_weight"`
	Reason     string  `yaml:"reason,omitempty"`
}

// LoadBundle parses a YAML bundle file, checks its format version, and
// lints every predicate for determinism before returning a Constitution
// ready to publish.
func LoadBundle(path string) (*contracts.Constitution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load bundle %q: %w", path, err)
	}
	return ParseBundle(data)
}

// ParseBundle parses and validates bundle bytes.
func ParseBundle(data []byte) (*contracts.Constitution, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}

	if b.FormatVersion == "" {
		return nil, fmt.Errorf("bundle missing format_version")
	}
	v, err := semver.NewVersion(b.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("bundle format_version %q: %w", b.FormatVersion, err)
	}
	constraint, err := semver.NewConstraint(BundleFormatConstraint)
	if err != nil {
		return nil, fmt.Errorf("format constraint: %w", err)
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("bundle format_version %s outside supported range %s", b.FormatVersion, BundleFormatConstraint)
	}

	c := &contracts.Constitution{
		Version:        b.Version,
		EffectiveFrom:  b.EffectiveFrom,
		EffectiveUntil: b.EffectiveUntil,
		IntentSchema:   b.IntentSchema,
	}
	for _, r := range b.Rules {
		c.Rules = append(c.Rules, contracts.Rule{
			ID:         r.ID,
			Predicate:  r.Predicate,
			Verdict:    contracts.Outcome(r.Verdict),
			RiskWeight: r.RiskWeight,
			Reason:     r.Reason,
		})
	}
	if err := validate(*c); err != nil {
		return nil, err
	}

	linter, err := NewPredicateLinter()
	if err != nil {
		return nil, err
	}
	if issues := linter.Lint(c.Rules); len(issues) > 0 {
		return nil, fmt.Errorf("bundle rule %q rejected: %s", issues[0].RuleID, issues[0].Message)
	}

	return c, nil
}
