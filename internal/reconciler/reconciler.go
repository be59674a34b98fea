// Package reconciler implements the Background Reconciler (C7): a
// periodic re-pull from the upstream store that keeps the Assignment
// Queue's contents and CachedCounters in sync (spec.md §4.7).
package reconciler

import (
	"context"
	"time"

	"github.com/transcribeflow/dispatchd/internal/lease"
	"github.com/transcribeflow/dispatchd/internal/metrics"
	"github.com/transcribeflow/dispatchd/internal/queue"
	"github.com/transcribeflow/dispatchd/internal/upstream"
	"github.com/transcribeflow/dispatchd/internal/xlog"
)

// Reconciler drives queue.Reconcile and queue.RefreshCounters on a fixed
// interval.
type Reconciler struct {
	upstream upstream.Client
	queue    *queue.Queue
	leases   queue.LeaseInspector
	interval time.Duration
}

// New constructs a Reconciler. interval defaults to 30s (spec.md §6) if
// zero or negative is supplied.
func New(up upstream.Client, q *queue.Queue, leases lease.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{upstream: up, queue: q, leases: leases, interval: interval}
}

// Tick runs one reconciliation pass: list unlabeled task IDs upstream,
// reconcile the queue, and refresh cached counters. A failure to list is
// logged and the previous counters are kept (spec.md §4.7 step 1).
func (r *Reconciler) Tick(ctx context.Context) {
	log := xlog.WithComponent("reconciler")

	ids, err := r.upstream.ListUnlabeledTaskIDs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("listing unlabeled tasks failed, keeping previous queue state")
		metrics.ObserveReconcileTick(0, 0, true)
		return
	}

	added, removed := r.queue.Reconcile(ctx, ids)
	log.Info().Int("added", added).Int("removed", removed).Int("unlabeled", len(ids)).Msg("reconciled assignment queue")
	metrics.ObserveReconcileTick(added, removed, false)

	counters, err := r.queue.RefreshCounters(ctx, r.leases)
	if err != nil {
		log.Warn().Err(err).Msg("refreshing cached counters failed")
		return
	}
	metrics.ObserveQueueCounters(counters.Available, counters.TotalUnlabeled, counters.TotalLocked)
}

// Run ticks immediately (spec.md §4.7: "first tick runs at startup before
// accepting traffic") and then on Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.Tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}
