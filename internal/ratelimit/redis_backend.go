package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript increments the window counter and stamps its expiry in
// one round trip so two instances cannot both create an unexpiring key.
var allowScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type redisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend returns a Backend whose windows live in Redis,
// shared across server instances.
func NewRedisBackend(client redis.UniversalClient, prefix string) Backend {
	if prefix == "" {
		prefix = "wirepulse:rl"
	}
	return &redisBackend{client: client, prefix: prefix}
}

func (b *redisBackend) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	count, err := allowScript.Run(ctx, b.client, []string{b.prefix + ":" + key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return count <= int64(max), nil
}
