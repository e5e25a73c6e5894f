// Package metrics exposes hostd's Prometheus metrics.
//
// All Record methods are safe to call on a nil *Metrics so components can be
// built without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostd"

// Metrics contains the orchestration metrics.
type Metrics struct {
	registry *prometheus.Registry

	StageDuration  *prometheus.HistogramVec
	Deployments    *prometheus.CounterVec
	HookExecutions *prometheus.CounterVec
	PortsAllocated prometheus.Gauge
	WorkflowRuns   *prometheus.CounterVec
	UnitHealth     *prometheus.GaugeVec
}

// New creates the metrics and registers them, together with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Duration of deployment pipeline stages in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"stage", "result"},
		),

		Deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of pipeline runs by final status",
			},
			[]string{"result"},
		),

		HookExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_executions_total",
				Help:      "Total number of hook invocations",
			},
			[]string{"event", "result"},
		),

		PortsAllocated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ports_allocated",
				Help:      "Number of ports currently reserved",
			},
		),

		WorkflowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Total number of finished workflow runs by status",
			},
			[]string{"status"},
		),

		UnitHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unit_health",
				Help:      "Service unit health (0=unhealthy, 1=healthy)",
			},
			[]string{"deployment"},
		),
	}

	m.registry.MustRegister(
		m.StageDuration,
		m.Deployments,
		m.HookExecutions,
		m.PortsAllocated,
		m.WorkflowRuns,
		m.UnitHealth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordStage observes the duration of one pipeline stage.
func (m *Metrics) RecordStage(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, result(ok)).Observe(d.Seconds())
}

// RecordDeployment counts a pipeline run that ended in status.
func (m *Metrics) RecordDeployment(status string) {
	if m == nil {
		return
	}
	m.Deployments.WithLabelValues(status).Inc()
}

// RecordHook counts one hook invocation.
func (m *Metrics) RecordHook(event string, ok bool) {
	if m == nil {
		return
	}
	m.HookExecutions.WithLabelValues(event, result(ok)).Inc()
}

// SetPortsAllocated updates the reserved port gauge.
func (m *Metrics) SetPortsAllocated(n int) {
	if m == nil {
		return
	}
	m.PortsAllocated.Set(float64(n))
}

// RecordWorkflowRun counts a finished workflow run.
func (m *Metrics) RecordWorkflowRun(status string) {
	if m == nil {
		return
	}
	m.WorkflowRuns.WithLabelValues(status).Inc()
}

// RecordUnitHealth updates the health gauge of a deployment's unit.
func (m *Metrics) RecordUnitHealth(deployment string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.UnitHealth.WithLabelValues(deployment).Set(value)
}

// ForgetUnit drops the health series of a removed deployment.
func (m *Metrics) ForgetUnit(deployment string) {
	if m == nil {
		return
	}
	m.UnitHealth.DeleteLabelValues(deployment)
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
