// Package metrics exposes Prometheus collectors for every component of the
// dispatcher (C1-C7), grounded on the teacher's promauto usage in
// internal/api/metrics.go.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatcher (C5)
	TasksAssignedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_tasks_assigned_total",
		Help: "Total tasks handed out by request_task.",
	})

	TasksSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_tasks_submitted_total",
		Help: "Total transcriptions accepted by submit_transcription.",
	})

	TasksSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_tasks_skipped_total",
		Help: "Total tasks released via skip_task.",
	})

	DispatchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchd_dispatch_errors_total",
		Help: "Dispatcher operation failures by operation and error kind.",
	}, []string{"operation", "kind"})

	RequestTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatchd_request_task_duration_seconds",
		Help:    "Latency of request_task end to end, including the upstream metadata fetch.",
		Buckets: prometheus.DefBuckets,
	})

	// Assignment Queue (C4)
	QueueAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchd_queue_available",
		Help: "Tasks currently assignable (unlabeled minus locked).",
	})

	QueueTotalUnlabeled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchd_queue_total_unlabeled",
		Help: "Tasks reported unlabeled by the last reconcile.",
	})

	QueueTotalLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchd_queue_total_locked",
		Help: "Queued tasks under a lease at the last counter refresh.",
	})

	// Background Reconciler (C7)
	ReconcileTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_reconcile_ticks_total",
		Help: "Total reconciliation ticks run.",
	})

	ReconcileFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_reconcile_failures_total",
		Help: "Reconcile ticks that failed to list upstream tasks.",
	})

	ReconcileAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_reconcile_added_total",
		Help: "Tasks newly added to the queue across all reconciles.",
	})

	ReconcileRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_reconcile_removed_total",
		Help: "Tasks removed from the queue (no longer unlabeled upstream) across all reconciles.",
	})

	// Audio Streamer (C6)
	AudioBytesServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_audio_bytes_served_total",
		Help: "Total audio bytes streamed to agents.",
	})

	AudioRequestsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchd_audio_requests_denied_total",
		Help: "Audio stream requests denied, by reason.",
	}, []string{"reason"})

	AudioRangeNotSatisfiableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_audio_range_not_satisfiable_total",
		Help: "Audio stream requests rejected with 416.",
	})

	// Lease Store / Stats Store / Upstream backend health (C1-C3)
	BackendUnavailableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchd_backend_unavailable_total",
		Help: "Backend ping failures observed by health checks, by backend.",
	}, []string{"backend"})
)

// ObserveRequestTaskDuration records the end-to-end latency of a
// request_task call.
func ObserveRequestTaskDuration(d time.Duration) {
	RequestTaskDuration.Observe(d.Seconds())
}

// ObserveQueueCounters publishes the Assignment Queue's CachedCounters.
func ObserveQueueCounters(available, totalUnlabeled, totalLocked int) {
	QueueAvailable.Set(float64(available))
	QueueTotalUnlabeled.Set(float64(totalUnlabeled))
	QueueTotalLocked.Set(float64(totalLocked))
}

// ObserveReconcileTick records one Reconciler pass.
func ObserveReconcileTick(added, removed int, failed bool) {
	ReconcileTicksTotal.Inc()
	if failed {
		ReconcileFailuresTotal.Inc()
		return
	}
	ReconcileAddedTotal.Add(float64(added))
	ReconcileRemovedTotal.Add(float64(removed))
}
