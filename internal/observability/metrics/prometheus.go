// Package metrics provides Prometheus metrics for the knowledge base and audit services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	AuditsTotal           prometheus.Counter
	AuditsFailed          prometheus.Counter
	AuditDuration         prometheus.Histogram
	FindingsTotal         *prometheus.CounterVec
	IntegrityDefects      prometheus.Counter
	ExtractionCalls       *prometheus.CounterVec
	LLMLatency            prometheus.Histogram
	RulesLoaded           *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	RateLimited           prometheus.Counter
}

// New creates all metrics and registers them with the default registry
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates all metrics and registers them with reg
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuditsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hpkb_audits_total",
			Help: "Total prescription cases audited",
		}),
		AuditsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hpkb_audits_failed_total",
			Help: "Total audits aborted by a collaborator error",
		}),
		AuditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hpkb_audit_duration_seconds",
			Help:    "Time to retrieve rules for and evaluate one case",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpkb_findings_total",
			Help: "Findings emitted by category and rule type",
		}, []string{"category", "rule_type"}),
		IntegrityDefects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hpkb_rule_integrity_defects_total",
			Help: "Malformed rules skipped during audits",
		}),
		ExtractionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpkb_extraction_calls_total",
			Help: "Extraction attempts by section and outcome",
		}, []string{"section", "outcome"}),
		LLMLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hpkb_llm_request_duration_seconds",
			Help:    "LLM completion latency",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		RulesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpkb_rules_loaded_total",
			Help: "Rules written to the knowledge base by kind",
		}, []string{"kind"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
	}

	reg.MustRegister(
		m.AuditsTotal,
		m.AuditsFailed,
		m.AuditDuration,
		m.FindingsTotal,
		m.IntegrityDefects,
		m.ExtractionCalls,
		m.LLMLatency,
		m.RulesLoaded,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.RateLimited,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
