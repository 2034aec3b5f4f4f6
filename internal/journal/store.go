// Package journal keeps a short rolling history of sampled decisions in
// Redis for operators and dashboards. It is write-mostly telemetry: nothing
// in the decision path reads it back.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EndrewSK/TCC/internal/decision"
)

// Store writes decisions to a per-instance sorted set scored by timestamp
type Store struct {
	redis      *redis.Client
	instanceID string
	ttl        time.Duration
	maxEntries int64
}

// NewStore creates a journal. A zero ttl defaults to 10 minutes.
func NewStore(client *redis.Client, instanceID string, ttl time.Duration) *Store {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		redis:      client,
		instanceID: instanceID,
		ttl:        ttl,
		maxEntries: 1000,
	}
}

func (s *Store) key() string {
	return fmt.Sprintf("robofire:%s:decisions", s.instanceID)
}

// Emit implements decision.Sink
func (s *Store) Emit(ctx context.Context, d decision.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	key := s.key()
	pipe := s.redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(d.Timestamp.UnixMilli()),
		Member: data,
	})
	// keep the newest maxEntries members
	pipe.ZRemRangeByRank(ctx, key, 0, -s.maxEntries-1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal write failed: %w", err)
	}
	return nil
}

// Latest returns the newest journaled decision, or false when there is none
func (s *Store) Latest(ctx context.Context) (decision.Decision, bool, error) {
	results, err := s.redis.ZRevRangeWithScores(ctx, s.key(), 0, 0).Result()
	if err != nil {
		return decision.Decision{}, false, err
	}
	if len(results) == 0 {
		return decision.Decision{}, false, nil
	}

	d, err := decode(results[0].Member)
	if err != nil {
		return decision.Decision{}, false, err
	}
	return d, true, nil
}

// Range returns decisions journaled in [from, to], oldest first. A positive
// limit keeps the newest limit entries of the window. Undecodable members are
// skipped.
func (s *Store) Range(ctx context.Context, from, to time.Time, limit int) ([]decision.Decision, error) {
	opt := &redis.ZRangeBy{
		Min:   strconv.FormatInt(from.UnixMilli(), 10),
		Max:   strconv.FormatInt(to.UnixMilli(), 10),
		Count: int64(limit),
	}
	if limit <= 0 {
		opt.Count = 0
	}

	results, err := s.redis.ZRevRangeByScoreWithScores(ctx, s.key(), opt).Result()
	if err != nil {
		return nil, err
	}

	out := make([]decision.Decision, 0, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		d, err := decode(results[i].Member)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Clear deletes the instance journal
func (s *Store) Clear(ctx context.Context) error {
	return s.redis.Del(ctx, s.key()).Err()
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func decode(member any) (decision.Decision, error) {
	var d decision.Decision
	data, ok := member.(string)
	if !ok {
		return d, fmt.Errorf("invalid journal member type %T", member)
	}
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return d, fmt.Errorf("invalid journal member: %w", err)
	}
	return d, nil
}
