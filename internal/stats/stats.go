// Package stats implements the Stats Store (C3): durable per-agent counters
// and per-session audit records, backed by SQLite (spec.md §4.3).
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is a Session's terminal or in-flight state (spec.md §3).
type Status string

const (
	StatusAssigned Status = "assigned"
	StatusComplete Status = "completed"
	StatusSkipped  Status = "skipped"
)

// AgentStats is one row per agent_id. Every counter is monotonic except
// LastActive and UpdatedAt.
type AgentStats struct {
	AgentID              int64
	TotalTasksCompleted  int64
	TotalTasksSkipped    int64
	TotalDurationSeconds float64
	TotalEarnings        float64
	LastActive           time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Store is the Stats Store contract (spec.md §4.3).
type Store interface {
	OpenSession(ctx context.Context, agentID, taskID int64, assignedAt time.Time) (sessionID int64, err error)
	CloseSessionCompleted(ctx context.Context, agentID, taskID int64, completedAt time.Time, durationSeconds float64, transcriptionLength int) error
	CloseSessionSkipped(ctx context.Context, agentID, taskID int64, completedAt time.Time, skipReason string) error
	BumpAgentOnComplete(ctx context.Context, agentID int64, durationSeconds, earnings float64, now time.Time) error
	BumpAgentOnSkip(ctx context.Context, agentID int64, now time.Time) error
	GetAgentStats(ctx context.Context, agentID int64) (AgentStats, error)
	Ping(ctx context.Context) error
}

// SQLStore is a Store backed by database/sql (modernc.org/sqlite in
// production, the same driver used in-memory for tests).
type SQLStore struct {
	db *sql.DB
}

// Open creates the schema if absent on the already-opened db and returns a
// ready SQLStore. db is used as given; Open applies no PRAGMAs of its own.
func Open(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("stats: migrate: %w", err)
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS transcription_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL,
	task_id INTEGER NOT NULL,
	assigned_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	completed_at TIMESTAMP,
	duration_seconds REAL,
	transcription_length INTEGER,
	skip_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_agent_task_open
	ON transcription_sessions (agent_id, task_id, status);

CREATE TABLE IF NOT EXISTS agent_stats (
	agent_id INTEGER PRIMARY KEY,
	total_tasks_completed INTEGER NOT NULL DEFAULT 0,
	total_tasks_skipped INTEGER NOT NULL DEFAULT 0,
	total_duration_seconds REAL NOT NULL DEFAULT 0,
	total_earnings REAL NOT NULL DEFAULT 0,
	last_active TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// OpenSession inserts a new assigned session row.
func (s *SQLStore) OpenSession(ctx context.Context, agentID, taskID int64, assignedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcription_sessions (agent_id, task_id, assigned_at, status) VALUES (?, ?, ?, ?)`,
		agentID, taskID, assignedAt.UTC(), StatusAssigned)
	if err != nil {
		return 0, fmt.Errorf("stats: open_session: %w", err)
	}
	return res.LastInsertId()
}

// CloseSessionCompleted resolves the most recent open session for
// (agentID, taskID) to completed. It is a no-op error if no open session
// exists — callers are expected to have just opened one via OpenSession.
func (s *SQLStore) CloseSessionCompleted(ctx context.Context, agentID, taskID int64, completedAt time.Time, durationSeconds float64, transcriptionLength int) error {
	return s.closeOpenSession(ctx, agentID, taskID, func(tx *sql.Tx, sessionID int64) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE transcription_sessions
			 SET status = ?, completed_at = ?, duration_seconds = ?, transcription_length = ?
			 WHERE id = ?`,
			StatusComplete, completedAt.UTC(), durationSeconds, transcriptionLength, sessionID)
		return err
	})
}

// CloseSessionSkipped resolves the most recent open session for
// (agentID, taskID) to skipped.
func (s *SQLStore) CloseSessionSkipped(ctx context.Context, agentID, taskID int64, completedAt time.Time, skipReason string) error {
	return s.closeOpenSession(ctx, agentID, taskID, func(tx *sql.Tx, sessionID int64) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE transcription_sessions
			 SET status = ?, completed_at = ?, skip_reason = ?
			 WHERE id = ?`,
			StatusSkipped, completedAt.UTC(), skipReason, sessionID)
		return err
	})
}

var errNoOpenSession = errors.New("stats: no open session for agent/task pair")

func (s *SQLStore) closeOpenSession(ctx context.Context, agentID, taskID int64, apply func(tx *sql.Tx, sessionID int64) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sessionID int64
	row := tx.QueryRowContext(ctx,
		`SELECT id FROM transcription_sessions
		 WHERE agent_id = ? AND task_id = ? AND status = ?
		 ORDER BY id DESC LIMIT 1`,
		agentID, taskID, StatusAssigned)
	if err := row.Scan(&sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNoOpenSession
		}
		return fmt.Errorf("stats: locating open session: %w", err)
	}

	if err := apply(tx, sessionID); err != nil {
		return fmt.Errorf("stats: closing session %d: %w", sessionID, err)
	}
	return tx.Commit()
}

// BumpAgentOnComplete applies a monotonic increment to an agent's
// completed-task counters, upserting the row if this is the agent's first
// activity.
func (s *SQLStore) BumpAgentOnComplete(ctx context.Context, agentID int64, durationSeconds, earnings float64, now time.Time) error {
	return s.upsertBump(ctx, agentID, now, `
		UPDATE agent_stats
		SET total_tasks_completed = total_tasks_completed + 1,
		    total_duration_seconds = total_duration_seconds + ?,
		    total_earnings = total_earnings + ?,
		    last_active = ?,
		    updated_at = ?
		WHERE agent_id = ?`,
		durationSeconds, earnings, now.UTC(), now.UTC(), agentID)
}

// BumpAgentOnSkip applies a monotonic increment to an agent's skipped-task
// counter.
func (s *SQLStore) BumpAgentOnSkip(ctx context.Context, agentID int64, now time.Time) error {
	return s.upsertBump(ctx, agentID, now, `
		UPDATE agent_stats
		SET total_tasks_skipped = total_tasks_skipped + 1,
		    last_active = ?,
		    updated_at = ?
		WHERE agent_id = ?`,
		now.UTC(), now.UTC(), agentID)
}

func (s *SQLStore) upsertBump(ctx context.Context, agentID int64, now time.Time, updateSQL string, updateArgs ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_stats (agent_id, last_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO NOTHING`,
		agentID, now.UTC(), now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("stats: ensuring agent row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, updateSQL, updateArgs...); err != nil {
		return fmt.Errorf("stats: applying counters: %w", err)
	}
	return tx.Commit()
}

// GetAgentStats returns the agent's stats row, zero-valued if the agent has
// never been seen. It never returns a not-found error (spec.md §4.3).
func (s *SQLStore) GetAgentStats(ctx context.Context, agentID int64) (AgentStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, total_tasks_completed, total_tasks_skipped,
		        total_duration_seconds, total_earnings, last_active, created_at, updated_at
		 FROM agent_stats WHERE agent_id = ?`, agentID)

	var (
		out        AgentStats
		lastActive sql.NullTime
		createdAt  sql.NullTime
		updatedAt  sql.NullTime
	)
	err := row.Scan(&out.AgentID, &out.TotalTasksCompleted, &out.TotalTasksSkipped,
		&out.TotalDurationSeconds, &out.TotalEarnings, &lastActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentStats{AgentID: agentID}, nil
	}
	if err != nil {
		return AgentStats{}, fmt.Errorf("stats: get_agent_stats: %w", err)
	}
	out.LastActive = lastActive.Time
	out.CreatedAt = createdAt.Time
	out.UpdatedAt = updatedAt.Time
	return out, nil
}

// Ping verifies basic reachability of the backing database, for the health
// endpoint (spec.md §4.5 health()).
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
