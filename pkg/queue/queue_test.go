package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-io/loom/pkg/hash"
	"github.com/tessellate-io/loom/pkg/types"
)

func backends(t *testing.T, fn func(t *testing.T, q Queue)) {
	t.Run("redis", func(t *testing.T) {
		srv := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, NewRedisQueue(client, "test"))
	})
	t.Run("memory", func(t *testing.T) {
		q := NewMemoryQueue()
		t.Cleanup(func() { _ = q.Close() })
		fn(t, q)
	})
}

func opHash(s string) types.Hash {
	return hash.ForConst(types.EncodingBytes, []byte(s))
}

func TestEnqueueClaim(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		h := opHash("op-1")

		require.NoError(t, q.Enqueue(ctx, h))

		got, ok, err := q.Claim(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, h, got)
	})
}

func TestEnqueueIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		h := opHash("op-1")

		require.NoError(t, q.Enqueue(ctx, h))
		require.NoError(t, q.Enqueue(ctx, h))
		require.NoError(t, q.Enqueue(ctx, h))

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// After a claim the hash may be enqueued again (reclaim path).
		_, ok, err := q.Claim(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, q.Enqueue(ctx, h))
		n, err = q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestClaimTimesOut(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		start := time.Now()
		_, ok, err := q.Claim(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})
}

func TestDistinctOpsBothClaimed(t *testing.T) {
	backends(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		h1, h2 := opHash("op-1"), opHash("op-2")
		require.NoError(t, q.Enqueue(ctx, h1))
		require.NoError(t, q.Enqueue(ctx, h2))

		seen := make(map[types.Hash]bool)
		for i := 0; i < 2; i++ {
			h, ok, err := q.Claim(ctx, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			seen[h] = true
		}
		assert.True(t, seen[h1])
		assert.True(t, seen[h2])
	})
}
