// Package queue implements the Assignment Queue (C4): a reconciled, ordered
// set of assignable task IDs plus an in-process CompletedSet and cached
// counters.
//
// The in-memory Queue — guarded by a single mutex, per the actor-style
// guidance in spec.md §9 — is the source of truth for pop ordering and for
// CompletedSet membership (which must not survive a restart). A mirrored
// Redis list at key "assignment_queue" lets an operator inspect queue depth
// without a side channel. The list is only written: New neither reads nor
// clears it, so a restarted process starts with an empty queue until its
// first reconcile.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/transcribeflow/dispatchd/internal/lease"
)

const redisListKey = "assignment_queue"

// Counters mirrors CachedCounters from spec.md §3.
type Counters struct {
	TotalUnlabeled int
	TotalLocked    int
	Available      int
	LastUpdated    time.Time
}

// LeaseInspector is the subset of lease.Store the Queue needs to compute
// TotalLocked without importing the full Dispatcher surface.
type LeaseInspector interface {
	InspectLease(ctx context.Context, taskID int64) (*lease.Info, error)
}

// Queue owns Queue, CompletedSet, and CachedCounters behind a single mutex.
type Queue struct {
	redis redis.Cmdable

	mu        sync.Mutex
	order     []int64
	present   map[int64]bool
	completed map[int64]bool
	counters  Counters
}

// New creates an empty Queue backed by the given Redis client for mirroring.
func New(client redis.Cmdable) *Queue {
	return &Queue{
		redis:     client,
		present:   make(map[int64]bool),
		completed: make(map[int64]bool),
	}
}

// SnapshotSize returns the current number of queued task IDs.
func (q *Queue) SnapshotSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// PopCandidateSkipping atomically removes and returns the first task ID for
// which predicate returns true. Task IDs the predicate rejects are rotated
// to the back of the queue, preserving fairness for other agents (spec.md
// §4.4). The predicate itself may have side effects (e.g. lease
// acquisition) — it is invoked while holding the queue lock, so it must not
// call back into the Queue.
func (q *Queue) PopCandidateSkipping(ctx context.Context, predicate func(taskID int64) bool) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	for i := 0; i < n; i++ {
		candidate := q.order[0]
		q.order = q.order[1:]

		if predicate(candidate) {
			delete(q.present, candidate)
			q.mirrorRemove(ctx, candidate)
			return candidate, true
		}

		// Rotate to the back: still present in the queue for other agents.
		q.order = append(q.order, candidate)
	}
	return 0, false
}

// Reinsert places taskID back at the front of the queue. Used by the
// Dispatcher to undo a pop when a downstream step fails transiently
// (spec.md §4.5 step 3).
func (q *Queue) Reinsert(ctx context.Context, taskID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.present[taskID] || q.completed[taskID] {
		return
	}
	q.order = append([]int64{taskID}, q.order...)
	q.present[taskID] = true
	q.mirrorPushFront(ctx, taskID)
}

// Remove idempotently removes taskID from the queue.
func (q *Queue) Remove(ctx context.Context, taskID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(ctx, taskID)
}

func (q *Queue) removeLocked(ctx context.Context, taskID int64) {
	if !q.present[taskID] {
		return
	}
	out := q.order[:0]
	for _, id := range q.order {
		if id != taskID {
			out = append(out, id)
		}
	}
	q.order = out
	delete(q.present, taskID)
	q.mirrorRemove(ctx, taskID)
}

// MarkCompleted inserts taskID into CompletedSet (idempotent) and removes it
// from the queue.
func (q *Queue) MarkCompleted(ctx context.Context, taskID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[taskID] = true
	q.removeLocked(ctx, taskID)
}

// IsCompleted reports whether taskID is in the CompletedSet.
func (q *Queue) IsCompleted(taskID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed[taskID]
}

// Reconcile computes to_add = unlabeledIDs - queue - CompletedSet and
// to_remove = queue - unlabeledIDs, applies both, and returns their sizes
// (spec.md §4.4). Added IDs are appended in ascending task_id order for a
// deterministic, reproducible assignment order.
func (q *Queue) Reconcile(ctx context.Context, unlabeledIDs []int64) (added, removed int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	unlabeled := make(map[int64]bool, len(unlabeledIDs))
	for _, id := range unlabeledIDs {
		unlabeled[id] = true
	}

	var toAdd []int64
	for id := range unlabeled {
		if !q.present[id] && !q.completed[id] {
			toAdd = append(toAdd, id)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i] < toAdd[j] })

	var toRemove []int64
	for _, id := range q.order {
		if !unlabeled[id] {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		q.removeLocked(ctx, id)
	}
	for _, id := range toAdd {
		q.order = append(q.order, id)
		q.present[id] = true
		q.mirrorPushBack(ctx, id)
	}

	return len(toAdd), len(toRemove)
}

// RefreshCounters recomputes CachedCounters by bulk-probing the lease store
// for every queued task (spec.md §4.4 "Counter refresh").
func (q *Queue) RefreshCounters(ctx context.Context, leases LeaseInspector) (Counters, error) {
	q.mu.Lock()
	snapshot := append([]int64(nil), q.order...)
	q.mu.Unlock()

	locked := 0
	for _, id := range snapshot {
		info, err := leases.InspectLease(ctx, id)
		if err != nil {
			return Counters{}, fmt.Errorf("queue: probing lease for task %d: %w", id, err)
		}
		if info != nil {
			locked++
		}
	}

	c := Counters{
		TotalUnlabeled: len(snapshot),
		TotalLocked:    locked,
		Available:      len(snapshot) - locked,
		LastUpdated:    time.Now().UTC(),
	}

	q.mu.Lock()
	q.counters = c
	q.mu.Unlock()
	return c, nil
}

// Counters returns the last computed CachedCounters.
func (q *Queue) Counters() Counters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counters
}

// mirror* push best-effort updates to the Redis list for operator
// visibility; the Redis command results are discarded, so a mirror failure
// is neither logged nor returned, and the in-memory order remains
// authoritative.

func (q *Queue) mirrorPushBack(ctx context.Context, taskID int64) {
	if q.redis == nil {
		return
	}
	q.redis.RPush(ctx, redisListKey, taskID)
}

func (q *Queue) mirrorPushFront(ctx context.Context, taskID int64) {
	if q.redis == nil {
		return
	}
	q.redis.LPush(ctx, redisListKey, taskID)
}

func (q *Queue) mirrorRemove(ctx context.Context, taskID int64) {
	if q.redis == nil {
		return
	}
	q.redis.LRem(ctx, redisListKey, 0, taskID)
}
