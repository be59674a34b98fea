package dispatcher

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/transcribeflow/dispatchd/internal/apperr"
	"github.com/transcribeflow/dispatchd/internal/lease"
	"github.com/transcribeflow/dispatchd/internal/queue"
	"github.com/transcribeflow/dispatchd/internal/stats"
	"github.com/transcribeflow/dispatchd/internal/upstream"
)

// fakeUpstream is an in-memory stand-in for the Label-Studio-shaped API.
type fakeUpstream struct {
	mu          sync.Mutex
	tasks       map[int64]upstream.TaskMeta
	missing     map[int64]bool
	failNext    error
	annotations []struct {
		TaskID  int64
		Text    string
		AgentID int64
	}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		tasks:   make(map[int64]upstream.TaskMeta),
		missing: make(map[int64]bool),
	}
}

func (f *fakeUpstream) ListUnlabeledTaskIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.tasks))
	for id := range f.tasks {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeUpstream) GetTask(ctx context.Context, taskID int64) (*upstream.TaskMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	if f.missing[taskID] {
		return nil, &upstream.Error{Kind: upstream.KindNotFound, Message: "no such task"}
	}
	meta, ok := f.tasks[taskID]
	if !ok {
		return nil, &upstream.Error{Kind: upstream.KindNotFound, Message: "no such task"}
	}
	return &meta, nil
}

func (f *fakeUpstream) CreateAnnotation(ctx context.Context, taskID int64, text string, agentID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, err
	}
	f.annotations = append(f.annotations, struct {
		TaskID  int64
		Text    string
		AgentID int64
	}{taskID, text, agentID})
	return int64(len(f.annotations)), nil
}

func (f *fakeUpstream) Ping(ctx context.Context) error { return nil }

func (f *fakeUpstream) addTask(id int64, fileName string, duration float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = upstream.TaskMeta{FileName: fileName, DurationSeconds: duration}
}

type testHarness struct {
	dispatcher *Dispatcher
	leases     *lease.RedisStore
	queue      *queue.Queue
	stats      *stats.SQLStore
	upstream   *fakeUpstream
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	leases := lease.New(client)
	q := queue.New(client)

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	st, err := stats.Open(db)
	require.NoError(t, err)

	up := newFakeUpstream()

	d := New(leases, q, st, up, 1, Config{
		LeaseTTL:      time.Hour,
		CooldownTTL:   30 * time.Minute,
		RatePerSecond: 0.05,
	}, func(taskID, agentID int64) string {
		return fmt.Sprintf("/api/audio/stream/%d/%d", taskID, agentID)
	})

	return &testHarness{dispatcher: d, leases: leases, queue: q, stats: st, upstream: up}
}

func TestRequestTask_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.addTask(10, "a.wav", 30)
	h.queue.Reconcile(ctx, []int64{10})

	assignment, err := h.dispatcher.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	require.Equal(t, int64(10), assignment.TaskID)
	require.Equal(t, "a.wav", assignment.FileName)
	require.Equal(t, 30.0, assignment.Duration)
	require.Equal(t, "/api/audio/stream/10/7", assignment.AudioURL)
}

func TestRequestTask_EmptyQueueReturnsNone(t *testing.T) {
	h := newHarness(t)
	assignment, err := h.dispatcher.RequestTask(context.Background(), 7)
	require.NoError(t, err)
	require.Nil(t, assignment)
}

func TestRequestSubmit_FullRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.addTask(10, "a.wav", 30)
	h.queue.Reconcile(ctx, []int64{10})

	assignment, err := h.dispatcher.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, assignment)

	result, err := h.dispatcher.SubmitTranscription(ctx, 10, 7, "hello world")
	require.NoError(t, err)
	require.NotZero(t, result.AnnotationID)

	agentStats, err := h.dispatcher.StatsFor(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), agentStats.TotalTasksCompleted)
	require.Equal(t, 30.0*0.05, agentStats.TotalEarnings)

	require.True(t, h.queue.IsCompleted(10))

	info, err := h.leases.InspectLease(ctx, 10)
	require.NoError(t, err)
	require.Nil(t, info, "lease must be released after successful submit")
}

func TestSubmit_SecondAttemptIsForbidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.addTask(10, "a.wav", 30)
	h.queue.Reconcile(ctx, []int64{10})

	_, err := h.dispatcher.RequestTask(ctx, 7)
	require.NoError(t, err)
	_, err = h.dispatcher.SubmitTranscription(ctx, 10, 7, "hello")
	require.NoError(t, err)

	_, err = h.dispatcher.SubmitTranscription(ctx, 10, 7, "hello again")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestSubmit_EmptyTranscriptionIsInvalid(t *testing.T) {
	h := newHarness(t)
	_, err := h.dispatcher.SubmitTranscription(context.Background(), 10, 7, "   ")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestSkipTask_ReleasesAndSetsCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.addTask(11, "b.wav", 10)
	h.queue.Reconcile(ctx, []int64{11})

	assignment, err := h.dispatcher.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(11), assignment.TaskID)

	require.NoError(t, h.dispatcher.SkipTask(ctx, 11, 7, "noisy"))

	info, err := h.leases.InspectLease(ctx, 11)
	require.NoError(t, err)
	require.Nil(t, info)

	inCooldown, err := h.leases.InCooldown(ctx, 11, 7)
	require.NoError(t, err)
	require.True(t, inCooldown)

	require.Equal(t, 1, h.queue.SnapshotSize(), "task remains in the queue, assignable to other agents")
}

func TestSkip_DoesNotHandTaskBackToSameAgentDuringCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.addTask(11, "b.wav", 10)
	h.upstream.addTask(12, "c.wav", 10)
	h.queue.Reconcile(ctx, []int64{11, 12})

	a1, err := h.dispatcher.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(11), a1.TaskID)
	require.NoError(t, h.dispatcher.SkipTask(ctx, 11, 7, "noisy"))

	a2, err := h.dispatcher.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(12), a2.TaskID, "agent must not be re-handed the task it just skipped")
}

func TestRequestTask_ConcurrentContentionSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.addTask(20, "d.wav", 5)
	h.queue.Reconcile(ctx, []int64{20})

	type res struct {
		assignment *Assignment
		err        error
	}
	results := make(chan res, 2)
	for _, agentID := range []int64{1, 2} {
		go func(agentID int64) {
			a, err := h.dispatcher.RequestTask(ctx, agentID)
			results <- res{a, err}
		}(agentID)
	}

	wins := 0
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.assignment != nil {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestRequestTask_NotFoundUpstreamEvictsAndReturnsNone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.queue.Reconcile(ctx, []int64{30})
	h.upstream.missing[30] = true

	assignment, err := h.dispatcher.RequestTask(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, assignment)
	require.True(t, h.queue.IsCompleted(30))

	info, err := h.leases.InspectLease(ctx, 30)
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestHealth_AllBackendsReachable(t *testing.T) {
	h := newHarness(t)
	status := h.dispatcher.Health(context.Background())
	require.True(t, status.Healthy)
	require.Equal(t, "ok", status.Redis)
	require.Equal(t, "ok", status.LabelStudio)
	require.Equal(t, "ok", status.Postgres)
}
