package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tessellate-io/loom/pkg/types"
)

// enqueueScript makes enqueue idempotent: the guard set holds every op hash
// currently sitting in the list, so re-discovery by concurrent executors
// cannot double-queue work. KEYS: guard set, list. ARGV: op hex.
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// RedisQueue is a Redis-list-backed job queue with blocking claims.
type RedisQueue struct {
	client *redis.Client
	name   string
}

// NewRedisQueue wraps an existing client. Queues with different names are
// fully independent.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = DefaultName
	}
	return &RedisQueue{client: client, name: name}
}

func (q *RedisQueue) listKey() string  { return "queue:" + q.name }
func (q *RedisQueue) guardKey() string { return "queue:" + q.name + ":set" }

// Enqueue adds an operation to the queue, at most once until claimed.
func (q *RedisQueue) Enqueue(ctx context.Context, op types.Hash) error {
	if _, err := enqueueScript.Run(ctx, q.client, []string{q.guardKey(), q.listKey()}, op.String()).Int(); err != nil {
		return fmt.Errorf("failed to enqueue op %s: %w", op.Short(), err)
	}
	return nil
}

// Claim blocks up to timeout for the next operation.
func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (types.Hash, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, q.listKey()).Result()
	if errors.Is(err, redis.Nil) {
		return types.Hash{}, false, nil
	}
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("failed to claim from queue %s: %w", q.name, err)
	}

	h, err := types.ParseHash(res[1])
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("corrupt queue entry: %w", err)
	}
	if err := q.client.SRem(ctx, q.guardKey(), res[1]).Err(); err != nil {
		return types.Hash{}, false, fmt.Errorf("failed to clear queue guard: %w", err)
	}
	return h, true, nil
}

// Len returns the number of queued operations.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
