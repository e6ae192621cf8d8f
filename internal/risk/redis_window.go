package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a Redis-backed recent-activity cache. Entries live in a
// sorted set per user, scored by event timestamp in milliseconds, so
// trailing-window queries are a single ZRANGEBYSCORE. Keys expire a little
// past the retention horizon so idle users cost nothing.
type RedisWindow struct {
	client *redis.Client
	prefix string
}

// NewRedisWindow creates a recent-activity cache on the given Redis client.
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client, prefix: "recent_tx"}
}

func (w *RedisWindow) key(userID string) string {
	return fmt.Sprintf("%s:%s", w.prefix, userID)
}

func (w *RedisWindow) Append(ctx context.Context, userID string, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal window entry: %w", err)
	}

	key := w.key(userID)
	cutoff := e.Timestamp.Add(-RetentionWindow).UnixMilli()

	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.Timestamp.UnixMilli()), Member: payload})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	pipe.Expire(ctx, key, RetentionWindow+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append window entry: %w", err)
	}
	return nil
}

func (w *RedisWindow) Recent(ctx context.Context, userID string, until time.Time, window time.Duration) ([]Entry, error) {
	start := until.Add(-window).UnixMilli()
	members, err := w.client.ZRangeByScore(ctx, w.key(userID), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", start),
		Max: fmt.Sprintf("%d", until.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		var e Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue // tolerate malformed leftovers from older formats
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping reports cache reachability for health checks.
func (w *RedisWindow) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}
