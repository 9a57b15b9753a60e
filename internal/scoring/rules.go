package scoring

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

const (
	// DefaultWeight applies when a rule file omits weight.
	DefaultWeight = 0.5
	// DefaultPatternLabel describes a rule pattern in explanations when the
	// rule does not name one.
	DefaultPatternLabel = "URL/phone/email/promotional phrase"

	maxHitsPerKind         = 5
	maxExplanationKeywords = 3
)

// DefaultReasonLabels maps the built-in reason categories to display labels.
var DefaultReasonLabels = map[int]string{
	2: "Off-topic / Irrelevant",
	8: "Promotion / Advertising",
}

// RuleConfig is the declarative form of one rule.
type RuleConfig struct {
	ID           string   `json:"id" yaml:"id"`
	ReasonID     int      `json:"reason_id" yaml:"reason_id"`
	Weight       float64  `json:"weight" yaml:"weight"`
	Keywords     []string `json:"keywords" yaml:"keywords"`
	Pattern      string   `json:"pattern,omitempty" yaml:"pattern"`
	PatternLabel string   `json:"pattern_label,omitempty" yaml:"pattern_label"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
}

// RuleHit is the evaluation of one enabled rule against one text.
type RuleHit struct {
	RuleID      string   `json:"rule_id"`
	ReasonID    int      `json:"reason_id"`
	ReasonLabel string   `json:"reason_label"`
	Weight      float64  `json:"weight"`
	Score       float64  `json:"score"`
	KeywordHits []string `json:"keyword_hits"`
	RegexHits   []string `json:"regex_hits"`
	Explanation string   `json:"explanation"`
}

// Matched reports whether the rule found any evidence.
func (h RuleHit) Matched() bool {
	return len(h.KeywordHits) > 0 || len(h.RegexHits) > 0
}

type compiledRule struct {
	id           string
	reasonID     int
	reasonLabel  string
	weight       float64
	keywords     []string
	matcher      *ahocorasick.Matcher
	owners       [][]int
	pattern      *regexp.Regexp
	patternLabel string
}

func compileRule(cfg RuleConfig, labels map[int]string) (*compiledRule, error) {
	if math.IsNaN(cfg.Weight) || math.IsInf(cfg.Weight, 0) || cfg.Weight < 0 || cfg.Weight > 1 {
		return nil, &ConfigError{RuleID: cfg.ID, Field: "weight", Err: fmt.Errorf("must be within [0, 1], got %v", cfg.Weight)}
	}
	r := &compiledRule{
		id:           cfg.ID,
		reasonID:     cfg.ReasonID,
		reasonLabel:  reasonLabel(labels, cfg.ReasonID),
		weight:       cfg.Weight,
		patternLabel: strings.TrimSpace(cfg.PatternLabel),
	}
	if r.patternLabel == "" {
		r.patternLabel = DefaultPatternLabel
	}

	// The automaton sees each lowercased keyword once; owners maps a
	// dictionary slot back to every configured keyword that produced it.
	var dict []string
	slot := make(map[string]int)
	for _, kw := range cfg.Keywords {
		if strings.TrimSpace(kw) == "" {
			continue
		}
		lower := strings.ToLower(kw)
		idx, ok := slot[lower]
		if !ok {
			idx = len(dict)
			slot[lower] = idx
			dict = append(dict, lower)
			r.owners = append(r.owners, nil)
		}
		r.owners[idx] = append(r.owners[idx], len(r.keywords))
		r.keywords = append(r.keywords, kw)
	}
	if len(dict) > 0 {
		r.matcher = ahocorasick.NewStringMatcher(dict)
	}

	if cfg.Pattern != "" {
		re, err := regexp.Compile("(?i)" + cfg.Pattern)
		if err != nil {
			return nil, &ConfigError{RuleID: cfg.ID, Field: "pattern", Err: err}
		}
		r.pattern = re
	}
	return r, nil
}

func (r *compiledRule) evaluate(text, lower string) RuleHit {
	hit := RuleHit{
		RuleID:      r.id,
		ReasonID:    r.reasonID,
		ReasonLabel: r.reasonLabel,
		Weight:      r.weight,
		KeywordHits: []string{},
		RegexHits:   []string{},
	}

	if r.matcher != nil {
		found := make([]bool, len(r.keywords))
		for _, idx := range r.matcher.MatchThreadSafe([]byte(lower)) {
			for _, kwIdx := range r.owners[idx] {
				found[kwIdx] = true
			}
		}
		for i, ok := range found {
			if ok {
				hit.KeywordHits = append(hit.KeywordHits, r.keywords[i])
			}
		}
	}
	if r.pattern != nil {
		hit.RegexHits = append(hit.RegexHits, r.pattern.FindAllString(text, maxHitsPerKind)...)
	}

	if hit.Matched() {
		hit.Score = r.weight
	}
	if len(hit.KeywordHits) > maxHitsPerKind {
		hit.KeywordHits = hit.KeywordHits[:maxHitsPerKind]
	}
	if len(hit.RegexHits) > maxHitsPerKind {
		hit.RegexHits = hit.RegexHits[:maxHitsPerKind]
	}
	hit.Explanation = r.explain(hit)
	return hit
}

func (r *compiledRule) explain(hit RuleHit) string {
	var parts []string
	if len(hit.KeywordHits) > 0 {
		kws := hit.KeywordHits
		if len(kws) > maxExplanationKeywords {
			kws = kws[:maxExplanationKeywords]
		}
		parts = append(parts, "keywords: "+strings.Join(kws, ", "))
	}
	if len(hit.RegexHits) > 0 {
		parts = append(parts, "pattern: "+r.patternLabel)
	}
	if len(parts) == 0 {
		return r.reasonLabel + " (no evidence)"
	}
	return r.reasonLabel + " (" + strings.Join(parts, "; ") + ")"
}

func reasonLabel(labels map[int]string, id int) string {
	if label, ok := labels[id]; ok && label != "" {
		return label
	}
	return strconv.Itoa(id)
}
