// Package ratelimit throttles task submissions per client with a
// distributed token bucket in Redis, so every API replica enforces the same
// budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "submit:rl:"

// ErrBadReply is returned when the bucket script answers with something
// other than its {allowed, level, retry_ms} triple.
var ErrBadReply = errors.New("ratelimit: unexpected script reply")

// Decision is the outcome of one submission attempt against a client's
// bucket. RetryAfter is how long until a token refills; zero when allowed.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket keyed per client. Refill
// happens lazily inside a Lua script, so check-and-consume is atomic across
// replicas.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	idleTTL  time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity and refill
// rate. Client buckets idle longer than idleTTL expire from Redis.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, idleTTL time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		idleTTL:  idleTTL,
	}
}

// Allow consumes one token for the client if available.
func (b *TokenBucket) Allow(ctx context.Context, client string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{keyPrefix + client},
		b.capacity, b.refill, now, b.idleTTL.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run bucket script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("%w: %T", ErrBadReply, res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("%w: allowed is %T", ErrBadReply, arr[0])
	}
	levelStr, ok := arr[1].(string)
	if !ok {
		return Decision{}, fmt.Errorf("%w: level is %T", ErrBadReply, arr[1])
	}
	level, err := strconv.ParseFloat(levelStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: level %q", ErrBadReply, levelStr)
	}
	retryMS, ok := arr[2].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("%w: retry is %T", ErrBadReply, arr[2])
	}

	return Decision{
		Allowed:    allowed == 1,
		Remaining:  level,
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
	}, nil
}

// The bucket's fill level is refilled lazily from the elapsed time since the
// last touch, then one token is taken if a whole one is available. When the
// bucket is empty the script reports how long until the next token exists.
// The level travels back as a string to keep its fraction; Redis truncates
// Lua numbers to integers.
var bucketScript = redis.NewScript(`
local bucket = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local idle_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'level', 'touched_ms')
local level = tonumber(state[1])
local touched = tonumber(state[2])
if level == nil then level = capacity end
if touched == nil then touched = now_ms end

local elapsed = now_ms - touched
if elapsed < 0 then elapsed = 0 end
level = math.min(capacity, level + elapsed * rate / 1000)

local allowed = 0
local retry_ms = 0
if level >= 1 then
  allowed = 1
  level = level - 1
elseif rate > 0 then
  retry_ms = math.ceil((1 - level) * 1000 / rate)
end

redis.call('HMSET', bucket, 'level', level, 'touched_ms', now_ms)
if idle_ms > 0 then redis.call('PEXPIRE', bucket, idle_ms) end
return {allowed, tostring(level), retry_ms}
`)
