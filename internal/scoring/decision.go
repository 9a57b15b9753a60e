package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultAlpha is the rule share of the blended score.
const DefaultAlpha = 0.6

const maxLikelyReasons = 3

// RiskLevel is the discrete tier of a final score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Thresholds are the inclusive lower bounds of the MEDIUM and HIGH tiers.
type Thresholds struct {
	High   float64 `json:"high" yaml:"high"`
	Medium float64 `json:"medium" yaml:"medium"`
}

// DefaultThresholds returns HIGH at 0.70 and MEDIUM at 0.40.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.70, Medium: 0.40}
}

// Validate checks 0 <= Medium <= High <= 1.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.High) || math.IsNaN(t.Medium) || t.Medium < 0 || t.High > 1 || t.Medium > t.High {
		return &ConfigError{Field: "thresholds", Err: fmt.Errorf("need 0 <= medium <= high <= 1, got medium=%v high=%v", t.Medium, t.High)}
	}
	return nil
}

// Tier maps a score to its risk level.
func (t Thresholds) Tier(score float64) RiskLevel {
	switch {
	case score >= t.High:
		return RiskHigh
	case score >= t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// LikelyReason is a matched rule summarized for display.
type LikelyReason struct {
	RuleID      string  `json:"rule_id"`
	ReasonID    int     `json:"reason_id"`
	ReasonLabel string  `json:"reason_label"`
	Score       float64 `json:"score"`
}

// DecisionResult is the full, explainable output of one decision.
type DecisionResult struct {
	Alpha         float64        `json:"alpha"`
	Beta          float64        `json:"beta"`
	NeighborConf  float64        `json:"neighbor_conf"`
	RuleScore     float64        `json:"rule_score"`
	FinalScore    float64        `json:"final_score"`
	RiskLevel     RiskLevel      `json:"risk_level"`
	RulesDetail   []RuleHit      `json:"rules_detail"`
	LikelyReasons []LikelyReason `json:"likely_reasons"`
}

// StrongEvidence reports whether any rule matched its pattern.
func (d DecisionResult) StrongEvidence() bool {
	for _, h := range d.RulesDetail {
		if len(h.RegexHits) > 0 {
			return true
		}
	}
	return false
}

// RuleEngine evaluates an ordered rule set and blends it with a
// neighbor-similarity confidence. It is immutable after construction and
// safe for concurrent use.
type RuleEngine struct {
	rules      []*compiledRule
	alpha      float64
	thresholds Thresholds
	labels     map[int]string
}

// Option customizes a RuleEngine.
type Option func(*RuleEngine)

// WithThresholds overrides the tier boundaries.
func WithThresholds(t Thresholds) Option {
	return func(e *RuleEngine) { e.thresholds = t }
}

// WithReasonLabels layers labels over DefaultReasonLabels.
func WithReasonLabels(labels map[int]string) Option {
	return func(e *RuleEngine) {
		merged := make(map[int]string, len(DefaultReasonLabels)+len(labels))
		for k, v := range DefaultReasonLabels {
			merged[k] = v
		}
		for k, v := range labels {
			merged[k] = v
		}
		e.labels = merged
	}
}

// NewRuleEngine compiles the enabled rules in order. Disabled rules are
// dropped. Invalid weights, patterns, alpha or thresholds fail with a
// *ConfigError.
func NewRuleEngine(rules []RuleConfig, alpha float64, opts ...Option) (*RuleEngine, error) {
	e := &RuleEngine{
		alpha:      alpha,
		thresholds: DefaultThresholds(),
		labels:     DefaultReasonLabels,
	}
	for _, opt := range opts {
		opt(e)
	}
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return nil, &ConfigError{Field: "alpha", Err: fmt.Errorf("must be within [0, 1], got %v", alpha)}
	}
	if err := e.thresholds.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var errs []error
	for _, cfg := range rules {
		if !cfg.Enabled {
			continue
		}
		if cfg.ID != "" {
			if _, dup := seen[cfg.ID]; dup {
				errs = append(errs, &ConfigError{RuleID: cfg.ID, Field: "id", Err: errors.New("duplicate rule id")})
				continue
			}
			seen[cfg.ID] = struct{}{}
		}
		r, err := compileRule(cfg, e.labels)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.rules = append(e.rules, r)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return e, nil
}

// Alpha returns the rule share of the blend.
func (e *RuleEngine) Alpha() float64 { return e.alpha }

// Thresholds returns the tier boundaries.
func (e *RuleEngine) Thresholds() Thresholds { return e.thresholds }

// RuleCount returns the number of enabled rules.
func (e *RuleEngine) RuleCount() int { return len(e.rules) }

// ReasonLabel resolves a reason id to its display label.
func (e *RuleEngine) ReasonLabel(id int) string { return reasonLabel(e.labels, id) }

// Evaluate runs every enabled rule against text in configuration order.
func (e *RuleEngine) Evaluate(text string) []RuleHit {
	lower := strings.ToLower(text)
	hits := make([]RuleHit, 0, len(e.rules))
	for _, r := range e.rules {
		hits = append(hits, r.evaluate(text, lower))
	}
	return hits
}

// Decide scores text and blends it with neighborConf, which is clamped
// to [0, 1] with NaN treated as 0.
func (e *RuleEngine) Decide(text string, neighborConf float64) DecisionResult {
	res := DecisionResult{
		Alpha:        e.alpha,
		Beta:         1 - e.alpha,
		NeighborConf: clamp01(neighborConf),
		RulesDetail:  e.Evaluate(text),
	}
	e.rescore(&res)
	return res
}

// BoostStrongEvidence raises every pattern-matched rule below full score to
// 1.0 and recomputes the aggregate scores and tier. It reports whether any
// rule changed.
func (e *RuleEngine) BoostStrongEvidence(res *DecisionResult) bool {
	boosted := false
	for i := range res.RulesDetail {
		h := &res.RulesDetail[i]
		if len(h.RegexHits) > 0 && h.Score < 1.0 {
			h.Score = 1.0
			boosted = true
		}
	}
	if boosted {
		e.rescore(res)
	}
	return boosted
}

func (e *RuleEngine) rescore(res *DecisionResult) {
	sum := 0.0
	for _, h := range res.RulesDetail {
		sum += h.Score
	}
	res.RuleScore = math.Min(sum, 1.0)
	res.FinalScore = res.Alpha*res.RuleScore + res.Beta*res.NeighborConf
	res.RiskLevel = e.thresholds.Tier(res.FinalScore)
	res.LikelyReasons = likelyReasons(res.RulesDetail)
}

func likelyReasons(hits []RuleHit) []LikelyReason {
	out := make([]LikelyReason, 0, maxLikelyReasons)
	for _, h := range hits {
		if h.Score > 0 {
			out = append(out, LikelyReason{
				RuleID:      h.RuleID,
				ReasonID:    h.ReasonID,
				ReasonLabel: h.ReasonLabel,
				Score:       h.Score,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxLikelyReasons {
		out = out[:maxLikelyReasons]
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
