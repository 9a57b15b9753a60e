package scoring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RuleSet is a parsed rules file. Alpha and Thresholds are nil when the
// file leaves them to the caller.
type RuleSet struct {
	Rules        []RuleConfig
	ReasonLabels map[int]string
	Alpha        *float64
	Thresholds   *Thresholds
}

type ruleFile struct {
	Alpha        *float64       `yaml:"alpha"`
	Thresholds   *Thresholds    `yaml:"thresholds"`
	ReasonLabels map[int]string `yaml:"reason_labels"`
	Rules        []ruleEntry    `yaml:"rules"`
}

type ruleEntry struct {
	ID           string   `yaml:"id"`
	ReasonID     int      `yaml:"reason_id"`
	Weight       *float64 `yaml:"weight"`
	Keywords     []string `yaml:"keywords"`
	Pattern      string   `yaml:"pattern"`
	PatternLabel string   `yaml:"pattern_label"`
	Enabled      *bool    `yaml:"enabled"`
}

// LoadRules reads a YAML rules file. Omitted weights default to
// DefaultWeight and omitted enabled flags to true.
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes rules YAML.
func ParseRules(data []byte) (RuleSet, error) {
	var raw ruleFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RuleSet{}, &ConfigError{Field: "rules", Err: err}
	}
	if len(raw.Rules) == 0 {
		return RuleSet{}, &ConfigError{Field: "rules", Err: errors.New("no rules defined")}
	}

	set := RuleSet{
		ReasonLabels: raw.ReasonLabels,
		Alpha:        raw.Alpha,
		Thresholds:   raw.Thresholds,
		Rules:        make([]RuleConfig, 0, len(raw.Rules)),
	}
	for _, entry := range raw.Rules {
		cfg := RuleConfig{
			ID:           entry.ID,
			ReasonID:     entry.ReasonID,
			Weight:       DefaultWeight,
			Keywords:     entry.Keywords,
			Pattern:      entry.Pattern,
			PatternLabel: entry.PatternLabel,
			Enabled:      true,
		}
		if entry.Weight != nil {
			cfg.Weight = *entry.Weight
		}
		if entry.Enabled != nil {
			cfg.Enabled = *entry.Enabled
		}
		set.Rules = append(set.Rules, cfg)
	}
	return set, nil
}

// Engine builds a RuleEngine from the set. The file's alpha wins over
// fallbackAlpha, and an explicit WithThresholds option wins over the file.
func (s RuleSet) Engine(fallbackAlpha float64, opts ...Option) (*RuleEngine, error) {
	alpha := fallbackAlpha
	if s.Alpha != nil {
		alpha = *s.Alpha
	}
	var base []Option
	if len(s.ReasonLabels) > 0 {
		base = append(base, WithReasonLabels(s.ReasonLabels))
	}
	if s.Thresholds != nil {
		base = append(base, WithThresholds(*s.Thresholds))
	}
	return NewRuleEngine(s.Rules, alpha, append(base, opts...)...)
}

// OverrideThresholds replaces the given tier boundaries, keeping the
// file's value (or the default) for any boundary left nil.
func (s *RuleSet) OverrideThresholds(high, medium *float64) {
	if high == nil && medium == nil {
		return
	}
	t := DefaultThresholds()
	if s.Thresholds != nil {
		t = *s.Thresholds
	}
	if high != nil {
		t.High = *high
	}
	if medium != nil {
		t.Medium = *medium
	}
	s.Thresholds = &t
}
