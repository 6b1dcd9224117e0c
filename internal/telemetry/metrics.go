package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	stageMoves        *prometheus.CounterVec
	eventsDispatched  *prometheus.CounterVec
	workflowRuns      *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	notificationsSent *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmflow",
			Subsystem: "pipeline",
			Name:      "stage_moves_total",
			Help:      "Opportunity stage moves committed",
		}, []string{"pipeline_id", "to_stage"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmflow",
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Domain events handed to the workflow rule engine",
		}, []string{"event_type"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmflow",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Workflow executions by outcome",
		}, []string{"trigger_type", "status"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crmflow",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent dispatching one event, cascades included",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"event_type"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmflow",
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Notifications delivered per sink",
		}, []string{"sink", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageMoves,
		m.eventsDispatched,
		m.workflowRuns,
		m.dispatchDuration,
		m.notificationsSent,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) StageMoved(pipelineID, toStage string) {
	if m == nil {
		return
	}
	m.stageMoves.WithLabelValues(pipelineID, toStage).Inc()
}

func (m *Metrics) EventDispatched(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(eventType).Inc()
	m.dispatchDuration.WithLabelValues(eventType).Observe(seconds)
}

func (m *Metrics) WorkflowRun(triggerType, status string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(triggerType, status).Inc()
}

func (m *Metrics) NotificationSent(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notificationsSent.WithLabelValues(sink, result).Inc()
}
