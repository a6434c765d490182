package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/id"
)

// RecordQueued implements ledger.Ledger. The score is the enqueue time in
// milliseconds, so ZRANK answers FIFO position directly.
func (s *Store) RecordQueued(ctx context.Context, orgID string, runID id.RunID, at time.Time) error {
	err := s.client.ZAdd(ctx, queueKey(orgID), goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: runID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("store/redis: record queued: %w", err)
	}
	return nil
}

// RemoveQueued implements ledger.Ledger. Removing an absent member is a
// no-op at the Redis level already.
func (s *Store) RemoveQueued(ctx context.Context, orgID string, runID id.RunID) error {
	if err := s.client.ZRem(ctx, queueKey(orgID), runID.String()).Err(); err != nil {
		return fmt.Errorf("store/redis: remove queued: %w", err)
	}
	return nil
}

// Rank implements ledger.Ledger. O(log n) in the queue size.
func (s *Store) Rank(ctx context.Context, orgID string, runID id.RunID) (int64, error) {
	rank, err := s.client.ZRank(ctx, queueKey(orgID), runID.String()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, supercheck.ErrNotQueued
		}
		return 0, fmt.Errorf("store/redis: rank: %w", err)
	}
	return rank, nil
}

// ListOrdered implements ledger.Ledger.
func (s *Store) ListOrdered(ctx context.Context, orgID string) ([]id.RunID, error) {
	members, err := s.client.ZRange(ctx, queueKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: list ordered: %w", err)
	}

	out := make([]id.RunID, 0, len(members))
	for _, m := range members {
		runID, perr := id.ParseRunID(m)
		if perr != nil {
			s.logger.Warn("skipping malformed ledger member",
				slog.String("org_id", orgID),
				slog.String("member", m),
			)
			continue
		}
		out = append(out, runID)
	}
	return out, nil
}
