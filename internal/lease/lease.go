// Package lease implements the Lease Store (C1): TTL'd single-writer locks
// and per-(task, agent) skip cooldowns backed by Redis compare-and-set
// primitives, so that acquisition and owner-checked release are race-free
// against any other dispatchd instance sharing the same Redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome is the result of a lease operation.
type Outcome string

const (
	Granted    Outcome = "granted"
	Contended  Outcome = "contended"
	Released   Outcome = "released"
	NotOwner   Outcome = "not_owner"
	AbsentLock Outcome = "absent"
)

// ErrBackendUnavailable wraps any Redis error other than a key miss.
var ErrBackendUnavailable = errors.New("lease: backend unavailable")

// Info describes the current holder of a lease.
type Info struct {
	AgentID   int64
	AcquiredAt time.Time
}

// Store is the Lease Store contract (spec.md §4.1).
type Store interface {
	AcquireLease(ctx context.Context, taskID, agentID int64, ttl time.Duration) (Outcome, error)
	InspectLease(ctx context.Context, taskID int64) (*Info, error)
	ReleaseLease(ctx context.Context, taskID, agentID int64) (Outcome, error)
	SetCooldown(ctx context.Context, taskID, agentID int64, ttl time.Duration) error
	InCooldown(ctx context.Context, taskID, agentID int64) (bool, error)
	Ping(ctx context.Context) error
}

// RedisStore is the Redis-backed implementation of Store.
type RedisStore struct {
	client redis.Cmdable
}

// New wraps an existing redis client (or test double) as a Store.
func New(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func lockKey(taskID int64) string {
	return fmt.Sprintf("task:locked:%d", taskID)
}

func cooldownKey(taskID, agentID int64) string {
	return fmt.Sprintf("task:skip:%d:%d", taskID, agentID)
}

func encodeLock(agentID int64, acquiredAt time.Time) string {
	return fmt.Sprintf("%d:%d", agentID, acquiredAt.Unix())
}

func decodeLock(raw string) (*Info, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("lease: malformed lock value %q", raw)
	}
	agentID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease: malformed lock agent id %q: %w", raw, err)
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease: malformed lock timestamp %q: %w", raw, err)
	}
	return &Info{AgentID: agentID, AcquiredAt: time.Unix(ts, 0).UTC()}, nil
}

// AcquireLease atomically sets the lease for taskID iff absent.
func (s *RedisStore) AcquireLease(ctx context.Context, taskID, agentID int64, ttl time.Duration) (Outcome, error) {
	now := time.Now().UTC()
	ok, err := s.client.SetNX(ctx, lockKey(taskID), encodeLock(agentID, now), ttl).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return Contended, nil
	}
	return Granted, nil
}

// InspectLease reads the current lease, if any.
func (s *RedisStore) InspectLease(ctx context.Context, taskID int64) (*Info, error) {
	raw, err := s.client.Get(ctx, lockKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return decodeLock(raw)
}

// releaseScript performs a compare-and-delete: it only removes the lease key
// if its value still names agentID as owner, making the check-then-release
// atomic against a concurrent acquire/release from another instance.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  return "absent"
end
local sep = string.find(v, ":")
if sep == nil then
  return "absent"
end
local owner = string.sub(v, 1, sep - 1)
if owner ~= ARGV[1] then
  return "not_owner"
end
redis.call("DEL", KEYS[1])
return "released"
`)

// ReleaseLease releases the lease only if agentID is the current owner.
func (s *RedisStore) ReleaseLease(ctx context.Context, taskID, agentID int64) (Outcome, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{lockKey(taskID)}, agentID).Text()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	switch Outcome(res) {
	case Released, NotOwner, AbsentLock:
		return Outcome(res), nil
	default:
		return "", fmt.Errorf("lease: unexpected release script result %q", res)
	}
}

// SetCooldown sets the skip cooldown key, overwriting any prior TTL.
func (s *RedisStore) SetCooldown(ctx context.Context, taskID, agentID int64, ttl time.Duration) error {
	if err := s.client.Set(ctx, cooldownKey(taskID, agentID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// InCooldown reports whether (taskID, agentID) is currently suppressed.
func (s *RedisStore) InCooldown(ctx context.Context, taskID, agentID int64) (bool, error) {
	n, err := s.client.Exists(ctx, cooldownKey(taskID, agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return n > 0, nil
}

// Ping verifies basic reachability of the backing Redis instance, for the
// health endpoint (spec.md §4.5 health()).
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
