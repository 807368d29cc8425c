package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript reads both buckets, interpolates, and increments the current
// bucket when the estimate is below the limit, all in one atomic step.
//
// KEYS[1] current bucket, KEYS[2] previous bucket
// ARGV[1] limit, ARGV[2] elapsed fraction of the window, ARGV[3] bucket ttl ms
var admitScript = redis.NewScript(`
local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local weight = 1 - tonumber(ARGV[2])
if weight < 0 then weight = 0 end
local estimate = prev * weight + curr
if estimate < tonumber(ARGV[1]) then
  redis.call('INCR', KEYS[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return {1, tostring(estimate)}
end
return {0, tostring(estimate)}
`)

// RedisStore shares buckets across router instances. Buckets expire after
// two windows so Redis needs no separate sweeper.
type RedisStore struct {
	client redis.Scripter
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed bucket store.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// bucketKey keeps both buckets of a key in one cluster hash slot.
func bucketKey(key string, start int64) string {
	return "{" + key + "}:" + strconv.FormatInt(start, 10)
}

func (s *RedisStore) Admit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	start := windowStart(now, window)
	w := window.Milliseconds()
	elapsed := float64(now.UnixMilli()-start) / float64(w)

	res, err := admitScript.Run(ctx, s.client,
		[]string{bucketKey(key, start), bucketKey(key, start-w)},
		limit, strconv.FormatFloat(elapsed, 'f', 6, 64), 2*w,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run admit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected admit script result: %v", res)
	}

	allowed, _ := res[0].(int64)
	estStr, _ := res[1].(string)
	est, err := strconv.ParseFloat(estStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to parse estimate %q: %w", estStr, err)
	}

	return Decision{Allowed: allowed == 1, Estimate: est}, nil
}
