package stats

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := Open(db)
	require.NoError(t, err)
	return store
}

func TestOpenAndCloseSession_Completed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sessionID, err := store.OpenSession(ctx, 7, 10, now)
	require.NoError(t, err)
	require.NotZero(t, sessionID)

	err = store.CloseSessionCompleted(ctx, 7, 10, now.Add(time.Minute), 42.5, 11)
	require.NoError(t, err)

	err = store.BumpAgentOnComplete(ctx, 7, 42.5, 2.125, now.Add(time.Minute))
	require.NoError(t, err)

	got, err := store.GetAgentStats(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.TotalTasksCompleted)
	require.Equal(t, 42.5, got.TotalDurationSeconds)
	require.Equal(t, 2.125, got.TotalEarnings)
}

func TestOpenAndCloseSession_Skipped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.OpenSession(ctx, 3, 20, now)
	require.NoError(t, err)

	err = store.CloseSessionSkipped(ctx, 3, 20, now.Add(time.Second), "noisy")
	require.NoError(t, err)

	err = store.BumpAgentOnSkip(ctx, 3, now.Add(time.Second))
	require.NoError(t, err)

	got, err := store.GetAgentStats(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.TotalTasksSkipped)
	require.Zero(t, got.TotalTasksCompleted)
}

func TestGetAgentStats_NeverSeenIsZeroValued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetAgentStats(ctx, 999)
	require.NoError(t, err)
	require.Equal(t, int64(999), got.AgentID)
	require.Zero(t, got.TotalTasksCompleted)
	require.Zero(t, got.TotalTasksSkipped)
}

func TestCloseSession_NoOpenSessionErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CloseSessionCompleted(ctx, 1, 1, time.Now(), 1, 1)
	require.Error(t, err)
}

func TestBumpAgent_AccumulatesAcrossMultipleSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, err := store.OpenSession(ctx, 5, int64(100+i), now)
		require.NoError(t, err)
		require.NoError(t, store.CloseSessionCompleted(ctx, 5, int64(100+i), now, 10, 5))
		require.NoError(t, store.BumpAgentOnComplete(ctx, 5, 10, 0.5, now))
	}

	got, err := store.GetAgentStats(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.TotalTasksCompleted)
	require.Equal(t, 30.0, got.TotalDurationSeconds)
	require.Equal(t, 1.5, got.TotalEarnings)
}

func TestCloseSession_UsesMostRecentOpenSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	firstID, err := store.OpenSession(ctx, 9, 50, now)
	require.NoError(t, err)
	require.NoError(t, store.CloseSessionSkipped(ctx, 9, 50, now, "noisy"))

	secondID, err := store.OpenSession(ctx, 9, 50, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, firstID, secondID)

	require.NoError(t, store.CloseSessionCompleted(ctx, 9, 50, now.Add(2*time.Minute), 5, 3))

	var status string
	require.NoError(t, store.db.QueryRowContext(ctx,
		"SELECT status FROM transcription_sessions WHERE id = ?", secondID).Scan(&status))
	require.Equal(t, string(StatusComplete), status)
}
