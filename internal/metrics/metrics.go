// Package metrics exposes Prometheus instrumentation for the core engine.
// It never starts an HTTP server: mounting promhttp.Handler() against this
// registry is the embedder's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every gauge/counter the core updates. Zero value is not
// usable; always construct with New, which registers every collector
// against the supplied registry.
type Metrics struct {
	ActivePermits     prometheus.Gauge
	TaskAttemptsTotal *prometheus.CounterVec
	RecoveryTotal     *prometheus.CounterVec
	PipelineTerminal  *prometheus.CounterVec
}

// New constructs and registers the collector set against reg. Passing
// prometheus.NewRegistry() keeps instrumentation isolated to a single
// runner instance; passing prometheus.DefaultRegisterer wires it into the
// process-wide default registry used by promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActivePermits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloacina_dispatcher_active_permits",
			Help: "Current count of in-flight task bodies holding a dispatcher permit.",
		}),
		TaskAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloacina_task_attempts_total",
			Help: "Total task attempts by result.",
		}, []string{"result"}),
		RecoveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloacina_recovery_events_total",
			Help: "Total recovery actions taken, by recovery_type.",
		}, []string{"recovery_type"}),
		PipelineTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloacina_pipeline_terminal_total",
			Help: "Total pipelines reaching a terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.ActivePermits, m.TaskAttemptsTotal, m.RecoveryTotal, m.PipelineTerminal)
	return m
}

// ObserveTaskSuccess records a completed task attempt.
func (m *Metrics) ObserveTaskSuccess() { m.TaskAttemptsTotal.WithLabelValues("success").Inc() }

// ObserveTaskFailure records a failed task attempt, terminal or retryable.
func (m *Metrics) ObserveTaskFailure(terminal bool) {
	if terminal {
		m.TaskAttemptsTotal.WithLabelValues("failed_terminal").Inc()
		return
	}
	m.TaskAttemptsTotal.WithLabelValues("failed_retry").Inc()
}

// ObserveRecovery records one recovery action by its kind.
func (m *Metrics) ObserveRecovery(recoveryType string) {
	m.RecoveryTotal.WithLabelValues(recoveryType).Inc()
}

// ObservePipelineTerminal records a pipeline reaching Completed/Failed/Cancelled.
func (m *Metrics) ObservePipelineTerminal(status string) {
	m.PipelineTerminal.WithLabelValues(status).Inc()
}
