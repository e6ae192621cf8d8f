package risk

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisTest returns a window backed by the Redis at REDIS_TEST_URL, or
// skips. Keys are namespaced per test and removed on cleanup.
func redisTest(t *testing.T) *RedisWindow {
	t.Helper()

	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set, skipping integration test")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(context.Background()).Err())

	w := NewRedisWindow(client)
	w.prefix = "recent_tx_test:" + t.Name()

	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), w.prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		_ = client.Close()
	})
	return w
}

func TestRedisWindowRoundTrip(t *testing.T) {
	w := redisTest(t)
	ctx := context.Background()

	for i, offset := range []time.Duration{0, 20 * time.Second, 45 * time.Second} {
		e := entryAt(t0.Add(offset), "m1", "10")
		e.TransactionID = "tx_" + string(rune('a'+i))
		require.NoError(t, w.Append(ctx, "u1", e))
	}

	got, err := w.Recent(ctx, "u1", t0.Add(45*time.Second), time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// ZRANGEBYSCORE returns entries score-ascending.
	assert.Equal(t, "tx_a", got[0].TransactionID)
	assert.Equal(t, "tx_c", got[2].TransactionID)
}

func TestRedisWindowTrailingQuery(t *testing.T) {
	w := redisTest(t)
	ctx := context.Background()

	old := entryAt(t0.Add(-2*time.Minute), "m1", "10")
	old.TransactionID = "tx_old"
	require.NoError(t, w.Append(ctx, "u1", old))
	fresh := entryAt(t0, "m1", "10")
	fresh.TransactionID = "tx_fresh"
	require.NoError(t, w.Append(ctx, "u1", fresh))

	got, err := w.Recent(ctx, "u1", t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tx_fresh", got[0].TransactionID)
}

func TestRedisWindowPurgesPastRetention(t *testing.T) {
	w := redisTest(t)
	ctx := context.Background()

	stale := entryAt(t0, "m1", "10")
	stale.TransactionID = "tx_stale"
	require.NoError(t, w.Append(ctx, "u1", stale))

	// Appending an entry past the horizon trims everything behind it.
	late := entryAt(t0.Add(RetentionWindow+time.Second), "m1", "10")
	late.TransactionID = "tx_late"
	require.NoError(t, w.Append(ctx, "u1", late))

	got, err := w.Recent(ctx, "u1", late.Timestamp, RetentionWindow)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tx_late", got[0].TransactionID)
}

func TestRedisWindowUsersAreIsolated(t *testing.T) {
	w := redisTest(t)
	ctx := context.Background()

	require.NoError(t, w.Append(ctx, "u1", entryAt(t0, "m1", "10")))

	got, err := w.Recent(ctx, "u2", t0, RetentionWindow)
	require.NoError(t, err)
	assert.Empty(t, got)
}
