package lockstore

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Store using a single Redis instance. Expired keys are
// removed by Redis itself, so set-if-absent covers the "absent or expired"
// contract directly.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// TryAcquire implements Store.TryAcquire via SET NX PX.
func (r *Redis) TryAcquire(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, token, ttl).Result()
}

// TryRelease implements Store.TryRelease via a compare-and-delete script.
func (r *Redis) TryRelease(ctx context.Context, key string, token []byte) (bool, error) {
	res, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// TryExtend implements Store.TryExtend via a compare-and-expire script.
func (r *Redis) TryExtend(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
