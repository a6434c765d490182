package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/supercheck-io/supercheck-sub009/capacity"
)

// The acquire scripts are the admission invariant made executable: the
// compare and the increment happen inside one Redis script execution, so
// two concurrent requests can never both observe a free slot and both
// take it.

// acquireScript increments KEYS[1] iff it is below ARGV[1].
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
return 1
`)

// releaseScript decrements KEYS[1], clamping at zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  return 0
end
redis.call('DECR', KEYS[1])
return 1
`)

// promoteScript shifts one unit from queued (KEYS[2]) to running
// (KEYS[1]) iff running is below ARGV[1].
var promoteScript = redis.NewScript(`
local running = tonumber(redis.call('GET', KEYS[1]) or '0')
if running >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
local queued = tonumber(redis.call('GET', KEYS[2]) or '0')
if queued > 0 then
  redis.call('DECR', KEYS[2])
end
return 1
`)

// TryAcquireRunning implements capacity.Store.
func (s *Store) TryAcquireRunning(ctx context.Context, orgID string, limits capacity.Limits) (bool, error) {
	taken, err := acquireScript.Run(ctx, s.client, []string{runningKey(orgID)}, limits.RunningCapacity).Int()
	if err != nil {
		return false, fmt.Errorf("store/redis: acquire running: %w", err)
	}
	return taken == 1, nil
}

// TryAcquireQueued implements capacity.Store.
func (s *Store) TryAcquireQueued(ctx context.Context, orgID string, limits capacity.Limits) (bool, error) {
	taken, err := acquireScript.Run(ctx, s.client, []string{queuedKey(orgID)}, limits.QueuedCapacity).Int()
	if err != nil {
		return false, fmt.Errorf("store/redis: acquire queued: %w", err)
	}
	return taken == 1, nil
}

// ReleaseRunning implements capacity.Store.
func (s *Store) ReleaseRunning(ctx context.Context, orgID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{runningKey(orgID)}).Err(); err != nil {
		return fmt.Errorf("store/redis: release running: %w", err)
	}
	return nil
}

// ReleaseQueued implements capacity.Store.
func (s *Store) ReleaseQueued(ctx context.Context, orgID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{queuedKey(orgID)}).Err(); err != nil {
		return fmt.Errorf("store/redis: release queued: %w", err)
	}
	return nil
}

// PromoteQueued implements capacity.Store.
func (s *Store) PromoteQueued(ctx context.Context, orgID string, limits capacity.Limits) (bool, error) {
	promoted, err := promoteScript.Run(ctx, s.client,
		[]string{runningKey(orgID), queuedKey(orgID)},
		limits.RunningCapacity,
	).Int()
	if err != nil {
		return false, fmt.Errorf("store/redis: promote queued: %w", err)
	}
	return promoted == 1, nil
}

// Counts implements capacity.Store. Absent keys read as zero.
func (s *Store) Counts(ctx context.Context, orgID string) (running, queued int64, err error) {
	vals, err := s.client.MGet(ctx, runningKey(orgID), queuedKey(orgID)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("store/redis: counts: %w", err)
	}
	return parseCount(vals[0]), parseCount(vals[1]), nil
}

// Reset implements capacity.Store.
func (s *Store) Reset(ctx context.Context, orgID string, running, queued int64) error {
	if err := s.client.MSet(ctx, runningKey(orgID), running, queuedKey(orgID), queued).Err(); err != nil {
		return fmt.Errorf("store/redis: reset: %w", err)
	}
	return nil
}

func parseCount(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
