package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"portfolio-tasks/internal/models"
)

const (
	readyKey    = "tasks:ready"
	inflightKey = "tasks:inflight"
	delayedKey  = "tasks:delayed"
)

// RedisQueue coordinates ready, in-flight, and delayed envelopes in Redis.
// Envelopes are serialized JSON; in-flight members are scored by their lease
// deadline so expired leases can be reclaimed.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue over an existing Redis client.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{client: client, visibilityTTL: visibility}
}

// Enqueue pushes the serialized envelope onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, env models.JobEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.client.RPush(ctx, readyKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue pops the next ready envelope and places it into the in-flight set
// with a visibility deadline, atomically via a Lua script.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.JobEnvelope, Lease, error) {
	deadline := time.Now().Add(q.visibilityTTL)
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline.UnixMilli()).Result()
	if err == redis.Nil {
		return models.JobEnvelope{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return models.JobEnvelope{}, Lease{}, fmt.Errorf("dequeue: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return models.JobEnvelope{}, Lease{}, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	var env models.JobEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return models.JobEnvelope{}, Lease{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, Lease{TaskID: env.TaskID, Token: raw, ExpiresAt: deadline}, nil
}

// Ack removes the envelope from in-flight tracking for good.
func (q *RedisQueue) Ack(ctx context.Context, lease Lease) error {
	if err := q.client.ZRem(ctx, inflightKey, lease.Token).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack releases the lease and requeues the envelope with RetryCount
// incremented. A positive delay parks it in the delayed set until due.
func (q *RedisQueue) Nack(ctx context.Context, lease Lease, delay time.Duration) error {
	var env models.JobEnvelope
	if err := json.Unmarshal([]byte(lease.Token), &env); err != nil {
		return fmt.Errorf("unmarshal leased envelope: %w", err)
	}
	env.RetryCount++
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, lease.Token)
	if delay > 0 {
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: raw})
	} else {
		pipe.RPush(ctx, readyKey, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

// PromoteDelayed moves due delayed envelopes back to the ready list. It
// returns how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, delayedKey, m)
		pipe.RPush(ctx, readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// ReclaimExpired requeues envelopes whose lease deadline has passed, bumping
// their retry count since this is a re-delivery. Returns the task IDs
// reclaimed.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	members, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(members))
	pipe := q.client.TxPipeline()
	for _, m := range members {
		var env models.JobEnvelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			pipe.ZRem(ctx, inflightKey, m)
			continue
		}
		env.RetryCount++
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		pipe.ZRem(ctx, inflightKey, m)
		pipe.RPush(ctx, readyKey, raw)
		ids = append(ids, env.TaskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the length of the ready list.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local env = redis.call('LPOP', KEYS[1])
if env then
  redis.call('ZADD', KEYS[2], ARGV[1], env)
  return env
end
return nil
`)
