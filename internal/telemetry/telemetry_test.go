package telemetry_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flag-review/backend/internal/telemetry"
)

func counterValue(t *testing.T, p *telemetry.Provider, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := p.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestProvidersAreIndependent(t *testing.T) {
	a := telemetry.NewProvider()
	b := telemetry.NewProvider()

	a.RecordDecision("HIGH", []string{"promo", ""}, true, 2*time.Millisecond)

	if got := counterValue(t, a, "flagreview_decisions_total", map[string]string{"risk_level": "HIGH"}); got != 1 {
		t.Fatalf("expected 1 HIGH decision, got %v", got)
	}
	if got := counterValue(t, a, "flagreview_rules_matched_total", map[string]string{"rule_id": "unnamed"}); got != 1 {
		t.Fatalf("expected unnamed rule label, got %v", got)
	}
	if got := counterValue(t, a, "flagreview_strong_evidence_boosts_total", nil); got != 1 {
		t.Fatalf("expected one boost, got %v", got)
	}
	if got := counterValue(t, b, "flagreview_decisions_total", map[string]string{"risk_level": "HIGH"}); got != 0 {
		t.Fatalf("second provider should be untouched, got %v", got)
	}
}

func TestRecordClassifierAndQuality(t *testing.T) {
	p := telemetry.NewProvider()
	p.RecordClassifierCall("llm", errors.New("boom"))
	p.RecordClassifierCall("", nil)
	p.RecordQuality(true, false)
	p.RecordBatchRecord(true)
	p.SetActiveWorkers(3)

	if got := counterValue(t, p, "flagreview_classifier_calls_total", map[string]string{"source": "llm", "outcome": "error"}); got != 1 {
		t.Fatalf("expected llm error call, got %v", got)
	}
	if got := counterValue(t, p, "flagreview_classifier_calls_total", map[string]string{"source": "unknown", "outcome": "ok"}); got != 1 {
		t.Fatalf("expected unknown ok call, got %v", got)
	}
	if got := counterValue(t, p, "flagreview_quality_flags_total", map[string]string{"kind": "test_like"}); got != 1 {
		t.Fatalf("expected test_like flag, got %v", got)
	}
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *telemetry.Provider
	p.RecordDecision("LOW", nil, false, time.Millisecond)
	p.RecordQuality(true, true)
	p.RecordClassifierCall("llm", nil)
	p.RecordBatchRecord(false)
	p.SetActiveWorkers(1)
}

func TestHandlerServesMetrics(t *testing.T) {
	p := telemetry.NewProvider()
	p.RecordDecision("LOW", nil, false, time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `flagreview_decisions_total{risk_level="LOW"} 1`) {
		t.Fatalf("metrics output missing decision counter:\n%s", body)
	}
}
