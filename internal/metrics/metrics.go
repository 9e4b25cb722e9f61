// Package metrics provides Prometheus metrics for ledgerchat. All recording
// methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeResolved = "resolved"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// History load paths.
const (
	LoadPrimary  = "primary"
	LoadFallback = "fallback"
	LoadFailed   = "failed"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	HistoryLoadsTotal *prometheus.CounterVec
	SaveErrorsTotal   prometheus.Counter
	AssistantLatency  prometheus.Histogram
	ActiveSessions    prometheus.Gauge
	TaskRunsTotal     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerchat_turns_total",
				Help: "Conversational turns by outcome",
			},
			[]string{"outcome"},
		),
		HistoryLoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerchat_history_loads_total",
				Help: "Session history loads by the path that served them",
			},
			[]string{"path"},
		),
		SaveErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerchat_message_save_errors_total",
				Help: "Messages that failed to persist",
			},
		),
		AssistantLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledgerchat_assistant_request_duration_seconds",
				Help:    "Duration of assistant invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledgerchat_active_sessions",
				Help: "Sessions currently held in memory",
			},
		),
		TaskRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerchat_scheduled_task_runs_total",
				Help: "Scheduled task runs by task and status",
			},
			[]string{"task", "status"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordHistoryLoad(path string) {
	if m == nil {
		return
	}
	m.HistoryLoadsTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) RecordSaveError() {
	if m == nil {
		return
	}
	m.SaveErrorsTotal.Inc()
}

func (m *Metrics) ObserveAssistant(d time.Duration) {
	if m == nil {
		return
	}
	m.AssistantLatency.Observe(d.Seconds())
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RecordTaskRun(task string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TaskRunsTotal.WithLabelValues(task, status).Inc()
}
