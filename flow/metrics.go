package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus collectors for execution activity.
//
// All metrics use the "flowcore" namespace:
//   - flowcore_executions_created_total (counter, label: trigger)
//   - flowcore_executions_finished_total (counter, label: status)
//   - flowcore_steps_total (counter, labels: node_kind, status)
//   - flowcore_step_duration_ms (histogram, label: node_kind)
//   - flowcore_retries_scheduled_total (counter)
//   - flowcore_signals_total (counter, label: routed)
//   - flowcore_dead_letters_total (counter)
//   - flowcore_schedule_fires_total (counter)
//   - flowcore_claims_total (counter)
//   - flowcore_inflight_steps (gauge)
//
// Recording methods are no-ops while the metrics are disabled, so a
// single code path serves both instrumented and quiet deployments.
//
// Example usage:
//
//	metrics := flow.NewMetrics(prometheus.DefaultRegisterer)
//	engine := flow.NewEngine(store, dispatcher, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.Handler())
type Metrics struct {
	enabled bool

	executionsCreated  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	steps              *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	retriesScheduled   prometheus.Counter
	signals            *prometheus.CounterVec
	deadLetters        prometheus.Counter
	scheduleFires      prometheus.Counter
	claims             prometheus.Counter
	inflightSteps      prometheus.Gauge
}

// NewMetrics creates and registers the collectors with reg. A nil reg
// uses the default registerer. Tests pass prometheus.NewRegistry() so
// repeated construction never double-registers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		enabled: true,
		executionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "executions_created_total",
			Help:      "Executions created, by trigger type.",
		}, []string{"trigger"}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"status"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "steps_total",
			Help:      "Node step attempts, by node kind and outcome.",
		}, []string{"node_kind", "status"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowcore",
			Name:      "step_duration_ms",
			Help:      "Node step duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_kind"}),
		retriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "retries_scheduled_total",
			Help:      "Retries scheduled for failed node attempts.",
		}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "signals_total",
			Help:      "Signals ingested, split by routed/unrouted.",
		}, []string{"routed"}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "dead_letters_total",
			Help:      "Signals dead-lettered after the TTL sweep.",
		}),
		scheduleFires: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "schedule_fires_total",
			Help:      "Schedule fires that created executions.",
		}),
		claims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "claims_total",
			Help:      "Executions claimed under lease by workers.",
		}),
		inflightSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowcore",
			Name:      "inflight_steps",
			Help:      "Steps currently executing across the worker pool.",
		}),
	}
}

// Enable turns recording on.
func (m *Metrics) Enable() { m.enabled = true }

// Disable turns recording off; the collectors stay registered.
func (m *Metrics) Disable() { m.enabled = false }

// RecordExecutionCreated counts a new execution by trigger type.
func (m *Metrics) RecordExecutionCreated(trigger string) {
	if m == nil || !m.enabled {
		return
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	m.executionsCreated.WithLabelValues(trigger).Inc()
}

// RecordExecutionFinished counts an execution reaching a terminal
// status.
func (m *Metrics) RecordExecutionFinished(status ExecutionStatus) {
	if m == nil || !m.enabled {
		return
	}
	m.executionsFinished.WithLabelValues(string(status)).Inc()
}

// RecordStep counts one node attempt and observes its duration.
func (m *Metrics) RecordStep(kind NodeKind, status NodeStatus, duration time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.steps.WithLabelValues(string(kind), string(status)).Inc()
	m.stepDuration.WithLabelValues(string(kind)).Observe(float64(duration.Milliseconds()))
}

// RecordRetryScheduled counts a scheduled retry.
func (m *Metrics) RecordRetryScheduled() {
	if m == nil || !m.enabled {
		return
	}
	m.retriesScheduled.Inc()
}

// RecordSignal counts an ingested signal.
func (m *Metrics) RecordSignal(routed bool) {
	if m == nil || !m.enabled {
		return
	}
	label := "false"
	if routed {
		label = "true"
	}
	m.signals.WithLabelValues(label).Inc()
}

// RecordDeadLetters counts signals moved to the dead letter list.
func (m *Metrics) RecordDeadLetters(n int) {
	if m == nil || !m.enabled || n <= 0 {
		return
	}
	m.deadLetters.Add(float64(n))
}

// RecordScheduleFire counts a schedule fire.
func (m *Metrics) RecordScheduleFire() {
	if m == nil || !m.enabled {
		return
	}
	m.scheduleFires.Inc()
}

// RecordClaims counts claimed executions.
func (m *Metrics) RecordClaims(n int) {
	if m == nil || !m.enabled || n <= 0 {
		return
	}
	m.claims.Add(float64(n))
}

// StepStarted and StepFinished track the in-flight gauge.
func (m *Metrics) StepStarted() {
	if m == nil || !m.enabled {
		return
	}
	m.inflightSteps.Inc()
}

// StepFinished decrements the in-flight gauge.
func (m *Metrics) StepFinished() {
	if m == nil || !m.enabled {
		return
	}
	m.inflightSteps.Dec()
}
