// Package telemetry exposes Prometheus metrics for the moderation service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flagreview"

// Metrics holds all moderation Prometheus metrics.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	RulesMatched     *prometheus.CounterVec
	StrongBoosts     prometheus.Counter
	QualityFlags     *prometheus.CounterVec

	ClassifierCalls *prometheus.CounterVec

	BatchRecords  *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge
}

// Provider owns a private registry so several instances can coexist.
type Provider struct {
	Registry *prometheus.Registry
	Metrics  *Metrics
}

// NewProvider registers every metric on a fresh registry.
func NewProvider() *Provider {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Provider{
		Registry: registry,
		Metrics:  initMetrics(promauto.With(registry)),
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (p *Provider) Handler() http.Handler {
	if p == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

func initMetrics(factory promauto.Factory) *Metrics {
	m := &Metrics{}

	m.Decisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Decisions produced, by risk level",
	}, []string{"risk_level"})

	m.DecisionDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decision_duration_seconds",
		Help:      "Time to assess one text",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	})

	m.RulesMatched = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rules_matched_total",
		Help:      "Rules with a positive score, by rule id",
	}, []string{"rule_id"})

	m.StrongBoosts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "strong_evidence_boosts_total",
		Help:      "Decisions raised by the strong-evidence boost",
	})

	m.QualityFlags = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quality_flags_total",
		Help:      "Texts flagged by the quality gate, by kind",
	}, []string{"kind"})

	m.ClassifierCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_calls_total",
		Help:      "Classifier calls, by source and outcome",
	}, []string{"source", "outcome"})

	m.BatchRecords = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_records_total",
		Help:      "Batch rows processed, by outcome",
	}, []string{"outcome"})

	m.ActiveWorkers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Currently active evaluation workers",
	})
	return m
}

// RecordDecision records one completed assessment.
func (p *Provider) RecordDecision(riskLevel string, matchedRules []string, boosted bool, duration time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.Decisions.WithLabelValues(riskLevel).Inc()
	p.Metrics.DecisionDuration.Observe(duration.Seconds())
	for _, id := range matchedRules {
		if id == "" {
			id = "unnamed"
		}
		p.Metrics.RulesMatched.WithLabelValues(id).Inc()
	}
	if boosted {
		p.Metrics.StrongBoosts.Inc()
	}
}

// RecordQuality records the quality gate outcome for one text.
func (p *Provider) RecordQuality(testLike, lowQuality bool) {
	if p == nil {
		return
	}
	if testLike {
		p.Metrics.QualityFlags.WithLabelValues("test_like").Inc()
	}
	if lowQuality {
		p.Metrics.QualityFlags.WithLabelValues("low_quality").Inc()
	}
}

// RecordClassifierCall records one classifier call.
func (p *Provider) RecordClassifierCall(source string, err error) {
	if p == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if source == "" {
		source = "unknown"
	}
	p.Metrics.ClassifierCalls.WithLabelValues(source, outcome).Inc()
}

// RecordBatchRecord records the outcome of one batch row.
func (p *Provider) RecordBatchRecord(success bool) {
	if p == nil {
		return
	}
	if success {
		p.Metrics.BatchRecords.WithLabelValues("ok").Inc()
		return
	}
	p.Metrics.BatchRecords.WithLabelValues("error").Inc()
}

// SetActiveWorkers sets the current active worker count.
func (p *Provider) SetActiveWorkers(count int) {
	if p == nil {
		return
	}
	p.Metrics.ActiveWorkers.Set(float64(count))
}
