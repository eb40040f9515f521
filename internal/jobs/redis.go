package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultBlockTimeout = time.Second

// RedisQueue keeps tasks in a Redis list so that several gateway instances
// can share one worker backlog. Tasks are pushed with LPUSH and popped with
// BRPOP, giving FIFO order. Each task carries its job record, so whichever
// instance pops it can run the job to a terminal state.
type RedisQueue struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
	closed       atomic.Bool
}

var _ Queue = (*RedisQueue)(nil)

// RedisOption configures a [RedisQueue].
type RedisOption func(*RedisQueue)

// WithBlockTimeout sets how long a single BRPOP waits before Dequeue checks
// for shutdown again.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.blockTimeout = d }
}

// NewRedisQueue connects to the Redis server at url and verifies the
// connection with PING.
func NewRedisQueue(ctx context.Context, url, key string, opts ...RedisOption) (*RedisQueue, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("jobs: parse redis url: %w", err)
	}
	// Let ctx deadlines interrupt a blocking BRPOP.
	o.ContextTimeoutEnabled = true
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("jobs: connect to redis: %w", err)
	}
	q := &RedisQueue{client: client, key: key, blockTimeout: defaultBlockTimeout}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("jobs: encode task %s: %w", t.JobID, err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("jobs: push task %s: %w", t.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if q.closed.Load() {
			return Task{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		res, err := q.client.BRPop(ctx, q.blockTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			if q.closed.Load() {
				return Task{}, ErrQueueClosed
			}
			return Task{}, fmt.Errorf("jobs: pop task: %w", err)
		}
		// res is [key, value].
		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			slog.Warn("dropping undecodable task", "key", q.key, "err", err)
			continue
		}
		return t, nil
	}
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Len returns the length of the backing list.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close stops Dequeue and releases the connection pool. Tasks left in Redis
// stay there for the next consumer.
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}
