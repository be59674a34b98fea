// Package dispatcher implements the Dispatcher (C5): the top-level
// request/submit/skip operations that orchestrate the Lease Store, Upstream
// Client, Stats Store, and Assignment Queue under the invariants of
// spec.md §3 and the algorithm in §4.5.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/transcribeflow/dispatchd/internal/apperr"
	"github.com/transcribeflow/dispatchd/internal/audit"
	"github.com/transcribeflow/dispatchd/internal/lease"
	"github.com/transcribeflow/dispatchd/internal/metrics"
	"github.com/transcribeflow/dispatchd/internal/queue"
	"github.com/transcribeflow/dispatchd/internal/stats"
	"github.com/transcribeflow/dispatchd/internal/upstream"
	"github.com/transcribeflow/dispatchd/internal/xlog"
)

var tracer = otel.Tracer("dispatchd/dispatcher")

// Config bundles the Dispatcher's tunables (spec.md §6).
type Config struct {
	LeaseTTL      time.Duration
	CooldownTTL   time.Duration
	RatePerSecond float64
}

// Assignment is the result of a successful request_task call.
type Assignment struct {
	TaskID   int64
	AudioURL string
	Duration float64
	FileName string
}

// SubmitResult is the result of a successful submit_transcription call.
type SubmitResult struct {
	AnnotationID int64
}

// HealthStatus reports per-backend reachability (spec.md §4.5 health()).
type HealthStatus struct {
	Healthy     bool
	LabelStudio string
	Redis       string
	Postgres    string
	ProjectID   int64
}

// Dispatcher ties C1-C4 together. It holds no mutable state of its own
// beyond a best-effort task-metadata cache used to compute earnings at
// submit time without a second upstream round trip.
type Dispatcher struct {
	leases   lease.Store
	queue    *queue.Queue
	stats    stats.Store
	upstream upstream.Client
	cfg      Config
	now      func() time.Time
	audioURL func(taskID, agentID int64) string
	projectID int64
	audit     *audit.Logger

	metaMu   sync.Mutex
	metaByID map[int64]upstream.TaskMeta
}

// New constructs a Dispatcher. audioURLFor builds the client-facing audio
// URL for a task/agent pair (spec.md §6 GET /api/audio/stream/{task_id}/{agent_id}).
func New(leases lease.Store, q *queue.Queue, st stats.Store, up upstream.Client, projectID int64, cfg Config, audioURLFor func(taskID, agentID int64) string) *Dispatcher {
	return &Dispatcher{
		leases:    leases,
		queue:     q,
		stats:     st,
		upstream:  up,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		audioURL:  audioURLFor,
		projectID: projectID,
		audit:     audit.NewLogger(),
		metaByID:  make(map[int64]upstream.TaskMeta),
	}
}

func (d *Dispatcher) cacheMeta(taskID int64, meta upstream.TaskMeta) {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	d.metaByID[taskID] = meta
}

func (d *Dispatcher) lookupMeta(taskID int64) (upstream.TaskMeta, bool) {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	meta, ok := d.metaByID[taskID]
	return meta, ok
}

func (d *Dispatcher) forgetMeta(taskID int64) {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	delete(d.metaByID, taskID)
}

// RequestTask implements request_task(agent_id) (spec.md §4.5). A nil
// Assignment with a nil error means "no tasks available".
func (d *Dispatcher) RequestTask(ctx context.Context, agentID int64) (*Assignment, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.request", trace.WithAttributes(
		attribute.Int64("agent_id", agentID),
	))
	defer span.End()
	log := xlog.FromContext(ctx)
	start := d.now()
	defer func() { metrics.ObserveRequestTaskDuration(d.now().Sub(start)) }()

	var predicateErr error
	winner, found := d.queue.PopCandidateSkipping(ctx, func(taskID int64) bool {
		if predicateErr != nil {
			return false
		}
		inCooldown, err := d.leases.InCooldown(ctx, taskID, agentID)
		if err != nil {
			predicateErr = err
			return false
		}
		if inCooldown {
			return false
		}
		outcome, err := d.leases.AcquireLease(ctx, taskID, agentID, d.cfg.LeaseTTL)
		if err != nil {
			predicateErr = err
			return false
		}
		return outcome == lease.Granted
	})
	if predicateErr != nil {
		span.SetStatus(codes.Error, "lease store unavailable")
		metrics.DispatchErrorsTotal.WithLabelValues("request_task", string(apperr.KindKVUnavailable)).Inc()
		return nil, apperr.Newf(apperr.KindKVUnavailable, "checking lease availability: %v", predicateErr)
	}
	if !found {
		span.SetAttributes(attribute.Bool("assigned", false))
		return nil, nil
	}
	span.SetAttributes(attribute.Int64("task_id", winner))

	meta, err := d.upstream.GetTask(ctx, winner)
	if err != nil {
		if upstream.IsNotFound(err) {
			log.Warn().Int64("task_id", winner).Msg("task vanished upstream between reconcile and request, evicting")
			if _, releaseErr := d.leases.ReleaseLease(ctx, winner, agentID); releaseErr != nil {
				log.Error().Err(releaseErr).Int64("task_id", winner).Msg("releasing lease for vanished task")
			}
			d.queue.MarkCompleted(ctx, winner)
			return nil, nil
		}
		if _, releaseErr := d.leases.ReleaseLease(ctx, winner, agentID); releaseErr != nil {
			log.Error().Err(releaseErr).Int64("task_id", winner).Msg("releasing lease after metadata fetch failure")
		}
		d.queue.Reinsert(ctx, winner)
		span.SetStatus(codes.Error, "upstream metadata fetch failed")
		metrics.DispatchErrorsTotal.WithLabelValues("request_task", string(apperr.KindUpstreamUnavailable)).Inc()
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "fetching task metadata: %v", err)
	}
	d.cacheMeta(winner, *meta)

	if _, err := d.stats.OpenSession(ctx, agentID, winner, d.now()); err != nil {
		if _, releaseErr := d.leases.ReleaseLease(ctx, winner, agentID); releaseErr != nil {
			log.Error().Err(releaseErr).Int64("task_id", winner).Msg("releasing lease after session-open failure")
		}
		d.queue.Reinsert(ctx, winner)
		d.forgetMeta(winner)
		span.SetStatus(codes.Error, "stats store unavailable")
		metrics.DispatchErrorsTotal.WithLabelValues("request_task", string(apperr.KindDBUnavailable)).Inc()
		return nil, apperr.Newf(apperr.KindDBUnavailable, "opening session: %v", err)
	}

	span.SetAttributes(attribute.Bool("assigned", true))
	d.audit.TaskAssigned(agentID, winner)
	metrics.TasksAssignedTotal.Inc()
	return &Assignment{
		TaskID:   winner,
		AudioURL: d.audioURL(winner, agentID),
		Duration: meta.DurationSeconds,
		FileName: meta.FileName,
	}, nil
}

// SubmitTranscription implements submit_transcription(task_id, agent_id,
// text) (spec.md §4.5).
func (d *Dispatcher) SubmitTranscription(ctx context.Context, taskID, agentID int64, text string) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.submit", trace.WithAttributes(
		attribute.Int64("agent_id", agentID),
		attribute.Int64("task_id", taskID),
	))
	defer span.End()
	log := xlog.FromContext(ctx)

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "transcription must not be empty")
	}

	info, err := d.leases.InspectLease(ctx, taskID)
	if err != nil {
		span.SetStatus(codes.Error, "lease store unavailable")
		return nil, apperr.Newf(apperr.KindKVUnavailable, "inspecting lease: %v", err)
	}
	if info == nil || info.AgentID != agentID {
		d.audit.TaskDenied(agentID, taskID, "submitted transcription")
		return nil, apperr.New(apperr.KindForbidden, "task is not leased to this agent")
	}

	annotationID, err := d.upstream.CreateAnnotation(ctx, taskID, trimmed, agentID)
	if err != nil {
		if upstream.IsTransient(err) {
			span.SetStatus(codes.Error, "upstream annotation create transient failure")
			return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "posting annotation: %v", err)
		}
		if releaseOutcome, releaseErr := d.leases.ReleaseLease(ctx, taskID, agentID); releaseErr != nil {
			log.Error().Err(releaseErr).Int64("task_id", taskID).Msg("releasing lease after permanent upstream failure")
		} else {
			log.Info().Int64("task_id", taskID).Str("outcome", string(releaseOutcome)).Msg("lease released after rejected annotation")
		}
		if upstream.IsNotFound(err) {
			d.queue.MarkCompleted(ctx, taskID)
			span.SetStatus(codes.Error, "task not found upstream")
			return nil, apperr.New(apperr.KindNotFound, "task no longer exists upstream")
		}
		span.SetStatus(codes.Error, "upstream rejected annotation")
		return nil, apperr.Newf(apperr.KindInvalidArgument, "upstream rejected annotation: %v", err)
	}

	now := d.now()
	duration := now.Sub(info.AcquiredAt).Seconds()
	if duration < 0 {
		duration = 0
	}

	var earnings float64
	if meta, ok := d.lookupMeta(taskID); ok {
		earnings = meta.DurationSeconds * d.cfg.RatePerSecond
	} else {
		log.Warn().Int64("task_id", taskID).Msg("no cached task metadata at submit time, recording zero earnings")
	}

	if err := d.stats.CloseSessionCompleted(ctx, agentID, taskID, now, duration, len(trimmed)); err != nil {
		log.Error().Err(err).Int64("task_id", taskID).Int64("agent_id", agentID).
			Msg("closing completed session failed; annotation already exists upstream")
	}
	if err := d.stats.BumpAgentOnComplete(ctx, agentID, duration, earnings, now); err != nil {
		log.Error().Err(err).Int64("agent_id", agentID).Msg("bumping completion counters failed")
	}

	if _, err := d.leases.ReleaseLease(ctx, taskID, agentID); err != nil {
		log.Error().Err(err).Int64("task_id", taskID).Msg("releasing lease after successful submit")
	}
	d.queue.MarkCompleted(ctx, taskID)
	d.forgetMeta(taskID)
	d.audit.TaskSubmitted(agentID, taskID, annotationID)
	metrics.TasksSubmittedTotal.Inc()

	return &SubmitResult{AnnotationID: annotationID}, nil
}

// SkipTask implements skip_task(task_id, agent_id, reason) (spec.md §4.5).
func (d *Dispatcher) SkipTask(ctx context.Context, taskID, agentID int64, reason string) error {
	ctx, span := tracer.Start(ctx, "dispatcher.skip", trace.WithAttributes(
		attribute.Int64("agent_id", agentID),
		attribute.Int64("task_id", taskID),
	))
	defer span.End()
	log := xlog.FromContext(ctx)

	info, err := d.leases.InspectLease(ctx, taskID)
	if err != nil {
		span.SetStatus(codes.Error, "lease store unavailable")
		return apperr.Newf(apperr.KindKVUnavailable, "inspecting lease: %v", err)
	}
	if info == nil || info.AgentID != agentID {
		d.audit.TaskDenied(agentID, taskID, "skipped task")
		return apperr.New(apperr.KindForbidden, "task is not leased to this agent")
	}

	if _, err := d.leases.ReleaseLease(ctx, taskID, agentID); err != nil {
		span.SetStatus(codes.Error, "lease store unavailable")
		return apperr.Newf(apperr.KindKVUnavailable, "releasing lease: %v", err)
	}
	if err := d.leases.SetCooldown(ctx, taskID, agentID, d.cfg.CooldownTTL); err != nil {
		span.SetStatus(codes.Error, "lease store unavailable")
		return apperr.Newf(apperr.KindKVUnavailable, "setting cooldown: %v", err)
	}

	// The task was removed from the queue when it was popped for assignment;
	// a skip (unlike a submit) does not complete it, so it goes back in for
	// other agents to pick up (spec.md §4.5 skip_task step 5).
	d.queue.Reinsert(ctx, taskID)

	now := d.now()
	if err := d.stats.CloseSessionSkipped(ctx, agentID, taskID, now, reason); err != nil {
		log.Error().Err(err).Int64("task_id", taskID).Int64("agent_id", agentID).Msg("closing skipped session failed")
	}
	if err := d.stats.BumpAgentOnSkip(ctx, agentID, now); err != nil {
		log.Error().Err(err).Int64("agent_id", agentID).Msg("bumping skip counters failed")
	}
	d.forgetMeta(taskID)
	d.audit.TaskSkipped(agentID, taskID, reason)
	metrics.TasksSkippedTotal.Inc()

	return nil
}

// FileNameFor resolves the on-disk file name for a task, consulting the
// in-process metadata cache first and falling back to a fresh upstream
// fetch (e.g. after a process restart cleared the cache). Used by the Audio
// Streamer HTTP handler, which only receives task_id/agent_id on the wire.
func (d *Dispatcher) FileNameFor(ctx context.Context, taskID int64) (string, error) {
	if meta, ok := d.lookupMeta(taskID); ok {
		return meta.FileName, nil
	}
	meta, err := d.upstream.GetTask(ctx, taskID)
	if err != nil {
		if upstream.IsNotFound(err) {
			return "", apperr.New(apperr.KindNotFound, "task not found upstream")
		}
		return "", apperr.Newf(apperr.KindUpstreamUnavailable, "fetching task metadata: %v", err)
	}
	d.cacheMeta(taskID, *meta)
	return meta.FileName, nil
}

// StatsFor implements stats_for(agent_id).
func (d *Dispatcher) StatsFor(ctx context.Context, agentID int64) (stats.AgentStats, error) {
	got, err := d.stats.GetAgentStats(ctx, agentID)
	if err != nil {
		return stats.AgentStats{}, apperr.Newf(apperr.KindDBUnavailable, "fetching agent stats: %v", err)
	}
	return got, nil
}

// Counters implements counters().
func (d *Dispatcher) Counters() queue.Counters {
	c := d.queue.Counters()
	metrics.ObserveQueueCounters(c.Available, c.TotalUnlabeled, c.TotalLocked)
	return c
}

// Health implements health(): verifies basic reachability of C1 (lease
// store), C2 (upstream), and C3 (stats store).
func (d *Dispatcher) Health(ctx context.Context) HealthStatus {
	hs := HealthStatus{Healthy: true, ProjectID: d.projectID}

	if err := d.leases.Ping(ctx); err != nil {
		hs.Redis = fmt.Sprintf("unavailable: %v", err)
		hs.Healthy = false
		metrics.BackendUnavailableTotal.WithLabelValues("redis").Inc()
	} else {
		hs.Redis = "ok"
	}

	if err := d.upstream.Ping(ctx); err != nil {
		hs.LabelStudio = fmt.Sprintf("unavailable: %v", err)
		hs.Healthy = false
		metrics.BackendUnavailableTotal.WithLabelValues("label_studio").Inc()
	} else {
		hs.LabelStudio = "ok"
	}

	if err := d.stats.Ping(ctx); err != nil {
		hs.Postgres = fmt.Sprintf("unavailable: %v", err)
		hs.Healthy = false
		metrics.BackendUnavailableTotal.WithLabelValues("postgres").Inc()
	} else {
		hs.Postgres = "ok"
	}

	return hs
}
