package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sliding-window counter on a sorted set. Each hit is a member scored with
// its arrival time; members older than the window are pruned before the
// count is taken, so the limit applies to a true rolling window.
//
// KEYS[1] = counter key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
//
// Replies {allowed, count, retry_after_ms}.
const luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
redis.call('ZADD', key, 'NX', now, ARGV[4])
redis.call('PEXPIRE', key, window)

local count = redis.call('ZCARD', key)
if count <= limit then
  return {1, count, 0}
end

local earliest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local earliestScore = tonumber(earliest[2]) or (now - window)
local retry = window - (now - earliestScore)
if retry < 0 then retry = 0 end
return {0, count, retry}
`

// SlidingWindowLimiter throttles booking requests per caller. State lives in
// Redis so the limit holds across instances.
type SlidingWindowLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
	script *redis.Script
}

func NewSlidingWindowLimiter(
	rdb *redis.Client,
	prefix string,
	limit int,
	window time.Duration,
) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:    rdb,
		prefix: prefix,
		limit:  limit,
		window: window,
		script: redis.NewScript(luaSlidingWindow),
	}
}

// Allow records a hit under the suffix and reports whether it stays within
// the limit, the current count, and how long to wait when it does not.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, suffix string) (bool, int64, time.Duration, error) {
	key := fmt.Sprintf("%s:%s", l.prefix, suffix)
	nowMs := time.Now().UnixMilli()

	res, err := l.script.Run(
		ctx,
		l.rdb,
		[]string{key},
		nowMs, l.window.Milliseconds(), l.limit, randomHex(12),
	).Result()
	if err != nil {
		return false, 0, 0, err
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return false, 0, 0, fmt.Errorf("bad script result: %v", res)
	}

	allowed := toInt(arr[0]) == 1
	count := toInt(arr[1])
	retryAfter := time.Duration(toInt(arr[2])) * time.Millisecond

	return allowed, count, retryAfter, nil
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		var x int64
		fmt.Sscan(t, &x)
		return x
	default:
		return 0
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
