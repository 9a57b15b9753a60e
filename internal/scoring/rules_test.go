package scoring

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func testRules() []RuleConfig {
	return []RuleConfig{
		{
			ID:       "promo",
			ReasonID: 8,
			Weight:   0.3,
			Keywords: []string{"Limited Time", "discount", "coupon", "DISCOUNT"},
			Pattern:  `https?://\S+|www\.\S+`,
			Enabled:  true,
		},
		{
			ID:       "offtopic",
			ReasonID: 2,
			Weight:   0.4,
			Keywords: []string{"politics", "weather"},
			Enabled:  true,
		},
		{
			ID:       "disabled",
			ReasonID: 8,
			Weight:   1,
			Keywords: []string{"great"},
			Enabled:  false,
		},
	}
}

func newTestEngine(t *testing.T, rules []RuleConfig, alpha float64, opts ...Option) *RuleEngine {
	t.Helper()
	engine, err := NewRuleEngine(rules, alpha, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEvaluateHits(t *testing.T) {
	engine := newTestEngine(t, testRules(), 0.6)
	if engine.RuleCount() != 2 {
		t.Fatalf("disabled rule should be dropped, have %d rules", engine.RuleCount())
	}

	hits := engine.Evaluate("Great stuff! DISCOUNT for a limited time at www.deals.example today")
	promo := hits[0]
	if promo.RuleID != "promo" || promo.ReasonLabel != "Promotion / Advertising" {
		t.Fatalf("unexpected first rule %+v", promo)
	}
	wantKw := []string{"Limited Time", "discount", "DISCOUNT"}
	if strings.Join(promo.KeywordHits, "|") != strings.Join(wantKw, "|") {
		t.Fatalf("keyword hits = %v, want %v", promo.KeywordHits, wantKw)
	}
	if len(promo.RegexHits) != 1 || promo.RegexHits[0] != "www.deals.example" {
		t.Fatalf("regex hits = %v", promo.RegexHits)
	}
	if !approx(promo.Score, 0.3) {
		t.Fatalf("score = %v, want weight 0.3", promo.Score)
	}
	want := "Promotion / Advertising (keywords: Limited Time, discount, DISCOUNT; pattern: URL/phone/email/promotional phrase)"
	if promo.Explanation != want {
		t.Fatalf("explanation = %q", promo.Explanation)
	}

	off := hits[1]
	if off.Score != 0 || off.Matched() {
		t.Fatalf("offtopic should not match: %+v", off)
	}
	if off.Explanation != "Off-topic / Irrelevant (no evidence)" {
		t.Fatalf("explanation = %q", off.Explanation)
	}
	if off.KeywordHits == nil || off.RegexHits == nil {
		t.Fatalf("hit lists must be non-nil for serialization")
	}
}

func TestEvaluateCapsHits(t *testing.T) {
	rules := []RuleConfig{{
		ID:       "many",
		ReasonID: 8,
		Weight:   0.5,
		Keywords: []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"},
		Pattern:  `\d{3}`,
		Enabled:  true,
	}}
	engine := newTestEngine(t, rules, 0.6)
	hit := engine.Evaluate("a7 a6 a5 a4 a3 a2 a1 111 222 333 444 555 666")[0]
	if got := strings.Join(hit.KeywordHits, ","); got != "a1,a2,a3,a4,a5" {
		t.Fatalf("keyword hits = %s", got)
	}
	if len(hit.RegexHits) != 5 || hit.RegexHits[4] != "555" {
		t.Fatalf("regex hits = %v", hit.RegexHits)
	}
	if !strings.Contains(hit.Explanation, "keywords: a1, a2, a3;") {
		t.Fatalf("explanation should list three keywords: %q", hit.Explanation)
	}
}

func TestUnknownReasonLabel(t *testing.T) {
	engine := newTestEngine(t, []RuleConfig{{ID: "x", ReasonID: 42, Weight: 0.5, Keywords: []string{"spam"}, Enabled: true}}, 0.6)
	if got := engine.Evaluate("spam")[0].ReasonLabel; got != "42" {
		t.Fatalf("label = %q, want 42", got)
	}
	labelled := newTestEngine(t, []RuleConfig{{ID: "x", ReasonID: 42, Weight: 0.5, Enabled: true}}, 0.6,
		WithReasonLabels(map[int]string{42: "Spam"}))
	if got := labelled.ReasonLabel(42); got != "Spam" {
		t.Fatalf("label = %q", got)
	}
	if got := labelled.ReasonLabel(8); got != "Promotion / Advertising" {
		t.Fatalf("defaults should survive custom labels, got %q", got)
	}
}

func TestNewRuleEngineErrors(t *testing.T) {
	cases := []struct {
		name  string
		rules []RuleConfig
		alpha float64
		opts  []Option
		field string
	}{
		{"bad pattern", []RuleConfig{{ID: "p", Weight: 0.5, Pattern: "(unclosed", Enabled: true}}, 0.6, nil, "pattern"},
		{"negative weight", []RuleConfig{{ID: "w", Weight: -0.1, Enabled: true}}, 0.6, nil, "weight"},
		{"nan weight", []RuleConfig{{ID: "w", Weight: math.NaN(), Enabled: true}}, 0.6, nil, "weight"},
		{"duplicate id", []RuleConfig{{ID: "d", Weight: 0.5, Enabled: true}, {ID: "d", Weight: 0.5, Enabled: true}}, 0.6, nil, "id"},
		{"alpha too large", nil, 1.5, nil, "alpha"},
		{"thresholds inverted", nil, 0.6, []Option{WithThresholds(Thresholds{High: 0.3, Medium: 0.5})}, "thresholds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRuleEngine(tc.rules, tc.alpha, tc.opts...)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("error should match ErrConfig: %v", err)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tc.field {
				t.Fatalf("expected ConfigError on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestDisabledRuleIsNotCompiled(t *testing.T) {
	rules := []RuleConfig{{ID: "off", Weight: 0.5, Pattern: "(broken", Enabled: false}}
	if _, err := NewRuleEngine(rules, 0.6); err != nil {
		t.Fatalf("disabled rules should be skipped entirely: %v", err)
	}
}
