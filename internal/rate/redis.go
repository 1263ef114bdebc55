package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "brokage:orders:submit:"

// submitScript counts one submission against the customer's window. It
// returns -1 when the submission is allowed, otherwise the remaining window
// TTL in milliseconds.
var submitScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if hits <= tonumber(ARGV[1]) then
  return -1
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[2])
end
return ttl
`)

// RedisLimiter bounds order submissions per customer across instances. The
// count and the window expiry move atomically inside one script.
type RedisLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
	prefix string
}

func NewRedis(client *redis.Client, max int, window time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLimiter{
		client: client,
		max:    max,
		window: window,
		prefix: prefix,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, customerID string, _ time.Time) (bool, time.Duration, error) {
	windowMS := l.window.Milliseconds()
	if windowMS <= 0 {
		return false, 0, fmt.Errorf("rate window must be positive, got %s", l.window)
	}

	ttlMS, err := submitScript.Run(ctx, l.client, []string{l.prefix + customerID}, l.max, windowMS).Int64()
	if err != nil {
		return false, 0, err
	}
	if ttlMS < 0 {
		return true, 0, nil
	}
	return false, time.Duration(ttlMS) * time.Millisecond, nil
}
