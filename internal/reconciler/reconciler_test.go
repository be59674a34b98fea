package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/transcribeflow/dispatchd/internal/lease"
	"github.com/transcribeflow/dispatchd/internal/queue"
	"github.com/transcribeflow/dispatchd/internal/upstream"
)

type fakeClient struct {
	ids []int64
	err error
}

func (f *fakeClient) ListUnlabeledTaskIDs(ctx context.Context) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}
func (f *fakeClient) GetTask(ctx context.Context, taskID int64) (*upstream.TaskMeta, error) {
	return nil, nil
}
func (f *fakeClient) CreateAnnotation(ctx context.Context, taskID int64, text string, agentID int64) (int64, error) {
	return 0, nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func newHarness(t *testing.T) (*queue.Queue, *lease.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client), lease.New(client)
}

func TestTick_ReconcilesQueueAndCounters(t *testing.T) {
	q, leases := newHarness(t)
	up := &fakeClient{ids: []int64{1, 2, 3}}
	r := New(up, q, leases, time.Second)

	r.Tick(context.Background())

	require.Equal(t, 3, q.SnapshotSize())
	require.Equal(t, 3, q.Counters().TotalUnlabeled)
}

func TestTick_FailureKeepsPreviousState(t *testing.T) {
	q, leases := newHarness(t)
	up := &fakeClient{ids: []int64{1, 2}}
	r := New(up, q, leases, time.Second)
	r.Tick(context.Background())
	require.Equal(t, 2, q.SnapshotSize())

	up.err = errBoom
	r.Tick(context.Background())
	require.Equal(t, 2, q.SnapshotSize(), "a failed list call must not mutate the queue")
}

var errBoom = &upstream.Error{Kind: upstream.KindTransient, Message: "boom"}

func TestRun_TicksImmediatelyOnStartup(t *testing.T) {
	q, leases := newHarness(t)
	up := &fakeClient{ids: []int64{9}}
	r := New(up, q, leases, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return q.SnapshotSize() == 1
	}, time.Second, 5*time.Millisecond, "first tick must run before the next interval elapses")

	cancel()
	<-done
}
