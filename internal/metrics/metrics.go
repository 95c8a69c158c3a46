package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics exposed on the daemon's /metrics endpoint. Registered
// at package init through promauto on the default registry.
var (
	ExecutionsByStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civiflow_executions_total",
			Help: "Workflow executions reaching a terminal status",
		},
		[]string{"workflow_type", "status"},
	)

	TasksOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civiflow_tasks_opened_total",
			Help: "Tasks opened for step assignees",
		},
		[]string{"escalated"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civiflow_tasks_completed_total",
			Help: "Tasks completed by outcome",
		},
		[]string{"outcome"},
	)

	TimeoutActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civiflow_timeout_actions_total",
			Help: "Step timeout actions fired by the sweeper",
		},
		[]string{"action"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "civiflow_sweep_duration_seconds",
			Help:    "Duration of one timeout sweep pass",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "civiflow_step_duration_seconds",
			Help:    "Time from step entry to resolution in seconds",
			Buckets: prometheus.ExponentialBuckets(60, 2, 14), // 1min to ~5.7d
		},
		[]string{"workflow_type", "step_name"},
	)

	DatabaseConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "civiflow_database_connections",
			Help: "Open database connections",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civiflow_events_published_total",
			Help: "Engine events published to the message bus",
		},
		[]string{"event_type"},
	)
)
