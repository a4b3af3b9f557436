package rules

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects engine counters on a private Prometheus registry so
// multiple engine instances (per tenant, per test) can coexist without
// duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed prometheus.Counter
	ruleExecutions  *prometheus.CounterVec
	actionOutcomes  *prometheus.CounterVec
	actionDuration  prometheus.Histogram
	activeRules     prometheus.Gauge
	rejectedRules   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	return &Metrics{
		registry: registry,
		eventsProcessed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "automation_events_processed_total",
			Help: "Total number of change events processed by the engine",
		}),
		ruleExecutions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "automation_rule_executions_total",
			Help: "Total rule executions by terminal status",
		}, []string{"status"}),
		actionOutcomes: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "automation_action_outcomes_total",
			Help: "Total action outcomes by action type and status",
		}, []string{"action_type", "status"}),
		actionDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "automation_action_duration_seconds",
			Help:    "Time taken to execute one action, including retries",
			Buckets: prometheus.DefBuckets,
		}),
		activeRules: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "automation_active_rules",
			Help: "Number of rules in the active registry snapshot",
		}),
		rejectedRules: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "automation_rejected_rules",
			Help: "Number of rules rejected during the last load",
		}),
	}
}

// ObserveEvent counts one processed event.
func (m *Metrics) ObserveEvent() {
	m.eventsProcessed.Inc()
}

// ObserveRule records one rule execution result and its action outcomes.
func (m *Metrics) ObserveRule(result *RuleExecutionResult) {
	m.ruleExecutions.WithLabelValues(string(result.Status)).Inc()
	for _, outcome := range result.Outcomes {
		m.actionOutcomes.WithLabelValues(string(outcome.ActionType), string(outcome.Status)).Inc()
		if outcome.Status != ActionSkipped {
			m.actionDuration.Observe(outcome.Duration.Seconds())
		}
	}
}

// ObserveReload records the outcome of a rule-set load.
func (m *Metrics) ObserveReload(active, rejected int) {
	m.activeRules.Set(float64(active))
	m.rejectedRules.Set(float64(rejected))
}

// Handler exposes the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
