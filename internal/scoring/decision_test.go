package scoring

import (
	"fmt"
	"math"
	"reflect"
	"testing"
)

func TestDecideBlend(t *testing.T) {
	engine := newTestEngine(t, testRules(), 0.6)
	res := engine.Decide("Limited time DISCOUNT at www.deals.example today", 0.5)

	if !approx(res.RuleScore, 0.3) {
		t.Fatalf("rule score = %v, want 0.3", res.RuleScore)
	}
	if !approx(res.FinalScore, 0.6*0.3+0.4*0.5) {
		t.Fatalf("final score = %v", res.FinalScore)
	}
	if !approx(res.Alpha+res.Beta, 1) {
		t.Fatalf("alpha + beta = %v", res.Alpha+res.Beta)
	}
	if res.RiskLevel != RiskLow {
		t.Fatalf("risk = %s, want LOW", res.RiskLevel)
	}
	if len(res.LikelyReasons) != 1 || res.LikelyReasons[0].RuleID != "promo" {
		t.Fatalf("likely reasons = %+v", res.LikelyReasons)
	}
	if !res.StrongEvidence() {
		t.Fatalf("pattern hit should count as strong evidence")
	}
}

func TestRuleScoreSaturates(t *testing.T) {
	rules := []RuleConfig{
		{ID: "a", ReasonID: 8, Weight: 0.8, Keywords: []string{"buy"}, Enabled: true},
		{ID: "b", ReasonID: 2, Weight: 0.7, Keywords: []string{"now"}, Enabled: true},
	}
	engine := newTestEngine(t, rules, 1)
	res := engine.Decide("buy now", 0)
	if res.RuleScore != 1.0 {
		t.Fatalf("rule score = %v, want saturation at 1.0", res.RuleScore)
	}
	if res.FinalScore != 1.0 || res.RiskLevel != RiskHigh {
		t.Fatalf("final = %v risk = %s", res.FinalScore, res.RiskLevel)
	}
}

func TestNeighborConfClamped(t *testing.T) {
	engine := newTestEngine(t, testRules(), 0)
	for _, tc := range []struct {
		in, want float64
	}{{-0.5, 0}, {1.7, 1}, {math.NaN(), 0}, {0.42, 0.42}} {
		res := engine.Decide("nothing relevant", tc.in)
		if !approx(res.NeighborConf, tc.want) || !approx(res.FinalScore, tc.want) {
			t.Fatalf("neighbor %v: conf=%v final=%v, want %v", tc.in, res.NeighborConf, res.FinalScore, tc.want)
		}
	}
}

func TestTierMonotonic(t *testing.T) {
	th := DefaultThresholds()
	rank := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}
	prev := RiskLow
	for i := 0; i <= 100; i++ {
		score := float64(i) / 100
		level := th.Tier(score)
		if rank[level] < rank[prev] {
			t.Fatalf("tier dropped from %s to %s at %v", prev, level, score)
		}
		prev = level
	}
	if th.Tier(0.70) != RiskHigh || th.Tier(0.40) != RiskMedium || th.Tier(0.3999) != RiskLow {
		t.Fatalf("boundaries should be inclusive")
	}
}

func TestLikelyReasonsOrderAndLimit(t *testing.T) {
	var rules []RuleConfig
	weights := []float64{0.1, 0.5, 0.3, 0.5, 0.2}
	for i, w := range weights {
		rules = append(rules, RuleConfig{
			ID:       fmt.Sprintf("r%d", i),
			ReasonID: 8,
			Weight:   w,
			Keywords: []string{"spam"},
			Enabled:  true,
		})
	}
	engine := newTestEngine(t, rules, 0.6)
	res := engine.Decide("spam spam", 0)
	if len(res.LikelyReasons) != 3 {
		t.Fatalf("likely reasons = %d, want 3", len(res.LikelyReasons))
	}
	got := []string{res.LikelyReasons[0].RuleID, res.LikelyReasons[1].RuleID, res.LikelyReasons[2].RuleID}
	want := []string{"r1", "r3", "r2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := 1; i < len(res.LikelyReasons); i++ {
		if res.LikelyReasons[i].Score > res.LikelyReasons[i-1].Score {
			t.Fatalf("likely reasons not sorted: %+v", res.LikelyReasons)
		}
	}
}

func TestDecideIdempotent(t *testing.T) {
	engine := newTestEngine(t, testRules(), 0.6)
	text := "Check www.deals.example for a coupon, also the weather"
	a := engine.Decide(text, 0.33)
	b := engine.Decide(text, 0.33)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("decisions differ:\n%+v\n%+v", a, b)
	}
}

func TestBoostStrongEvidence(t *testing.T) {
	engine := newTestEngine(t, testRules(), 0.6)
	res := engine.Decide("Limited time DISCOUNT at www.deals.example today", 0.5)
	before := res.FinalScore

	if !engine.BoostStrongEvidence(&res) {
		t.Fatalf("expected boost to apply")
	}
	if res.RulesDetail[0].Score != 1.0 {
		t.Fatalf("pattern-matched rule score = %v, want 1.0", res.RulesDetail[0].Score)
	}
	if res.FinalScore < before {
		t.Fatalf("final score decreased: %v -> %v", before, res.FinalScore)
	}
	if !approx(res.FinalScore, 0.6*1.0+0.4*0.5) || res.RiskLevel != RiskHigh {
		t.Fatalf("final = %v risk = %s", res.FinalScore, res.RiskLevel)
	}
	if res.LikelyReasons[0].Score != 1.0 {
		t.Fatalf("likely reasons should reflect boosted score: %+v", res.LikelyReasons)
	}
	if engine.BoostStrongEvidence(&res) {
		t.Fatalf("second boost should be a no-op")
	}
}

func TestBoostIgnoresKeywordOnlyHits(t *testing.T) {
	engine := newTestEngine(t, testRules(), 0.6)
	res := engine.Decide("talking about politics", 0.2)
	before := res
	if engine.BoostStrongEvidence(&res) {
		t.Fatalf("keyword-only hits are not strong evidence")
	}
	if !reflect.DeepEqual(before, res) {
		t.Fatalf("result changed without a boost")
	}
}

func TestDecideBatchPreservesOrder(t *testing.T) {
	engine := newTestEngine(t, testRules(), 0.6)
	inputs := []BatchInput{
		{Text: "www.a.example", NeighborConf: 0.1},
		{Text: "plain text", NeighborConf: 0.9},
		{Text: "weather talk", NeighborConf: 0.5},
		{Text: "coupon", NeighborConf: 0},
	}
	for _, workers := range []int{0, 1, 3, 16} {
		results := engine.DecideBatch(inputs, workers)
		if len(results) != len(inputs) {
			t.Fatalf("workers=%d: got %d results", workers, len(results))
		}
		for i, in := range inputs {
			want := engine.Decide(in.Text, in.NeighborConf)
			if !reflect.DeepEqual(results[i], want) {
				t.Fatalf("workers=%d: result %d differs", workers, i)
			}
		}
	}
	if got := engine.DecideBatch(nil, 4); len(got) != 0 {
		t.Fatalf("empty batch returned %d results", len(got))
	}
}
