// Package metrics exposes prometheus collectors for the run engine,
// queue, and notifier.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flume_runs_created_total",
			Help: "Total runs created by run type",
		},
		[]string{"run_type"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flume_run_status_transitions_total",
			Help: "Total run status transitions by target status",
		},
		[]string{"status"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flume_jobs_enqueued_total",
			Help: "Total jobs enqueued by job kind",
		},
		[]string{"kind"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flume_queue_depth",
			Help: "Current number of jobs waiting in the queue",
		},
	)

	notifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flume_notify_failures_total",
			Help: "Total notification deliveries dropped or failed",
		},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flume_job_duration_seconds",
			Help:    "Tool job execution duration by tool base",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool_base"},
	)
)

// RecordRunCreated increments the run creation counter.
func RecordRunCreated(runType string) {
	runsCreated.WithLabelValues(runType).Inc()
}

// RecordStatusTransition increments the transition counter for the
// status a run moved into.
func RecordStatusTransition(status string) {
	statusTransitions.WithLabelValues(status).Inc()
}

// RecordJobEnqueued increments the enqueue counter.
func RecordJobEnqueued(kind string) {
	jobsEnqueued.WithLabelValues(kind).Inc()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordNotifyFailure increments the dropped-notification counter.
func RecordNotifyFailure() {
	notifyFailures.Inc()
}

// ObserveJobDuration records one tool execution duration in seconds.
func ObserveJobDuration(toolBase string, seconds float64) {
	jobDuration.WithLabelValues(toolBase).Observe(seconds)
}
