package recording

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the Prometheus collectors for task lifecycle and
// negotiation outcomes. A nil *Metrics is valid and records nothing, so
// embedders that do not scrape can pass nil.
type Metrics struct {
	tasksStarted        prometheus.Counter
	tasksEnded          prometheus.Counter
	tasksAborted        prometheus.Counter
	activeTasks         prometheus.Gauge
	negotiationDuration prometheus.Histogram
	stageFailures       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muc_recorder",
			Name:      "tasks_started_total",
			Help:      "Number of recording tasks started.",
		}),
		tasksEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muc_recorder",
			Name:      "tasks_ended_total",
			Help:      "Number of recording tasks that ended cleanly.",
		}),
		tasksAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "muc_recorder",
			Name:      "tasks_aborted_total",
			Help:      "Number of recording tasks that aborted.",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "muc_recorder",
			Name:      "active_tasks",
			Help:      "Number of tasks currently running.",
		}),
		negotiationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "muc_recorder",
			Name:      "negotiation_duration_seconds",
			Help:      "Time from task start until recording began.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "muc_recorder",
			Name:      "negotiation_stage_failures_total",
			Help:      "Negotiation failures by stage.",
		}, []string{"stage"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.tasksStarted,
			m.tasksEnded,
			m.tasksAborted,
			m.activeTasks,
			m.negotiationDuration,
			m.stageFailures,
		)
	}
	return m
}

// TaskStarted records a task entering RUNNING.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksStarted.Inc()
	m.activeTasks.Inc()
}

// TaskEnded records a clean stop.
func (m *Metrics) TaskEnded() {
	if m == nil {
		return
	}
	m.tasksEnded.Inc()
	m.activeTasks.Dec()
}

// TaskAborted records a failed attempt.
func (m *Metrics) TaskAborted() {
	if m == nil {
		return
	}
	m.tasksAborted.Inc()
	m.activeTasks.Dec()
}

// NegotiationCompleted records the time a successful negotiation took.
func (m *Metrics) NegotiationCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.negotiationDuration.Observe(d.Seconds())
}

// StageFailed records which negotiation stage an abort originated from.
func (m *Metrics) StageFailed(stage string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage).Inc()
}
