package capacity

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by RedisCounter.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
}

var acquireScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur >= tonumber(ARGV[1]) then
	return 0
end
redis.call("INCR", KEYS[1])
return 1
`)

var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur <= 0 then
	return -1
end
return redis.call("DECR", KEYS[1])
`)

// RedisCounter shares the slot counter between several engine instances.
type RedisCounter struct {
	client RedisClient
	key    string
}

func NewRedisCounter(client RedisClient, key string) *RedisCounter {
	if key == "" {
		key = "siren:capacity:in_use"
	}
	return &RedisCounter{client: client, key: key}
}

func (r *RedisCounter) TryAcquire(ctx context.Context, ceiling int) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{r.key}, ceiling).Int()
	if err != nil {
		return false, fmt.Errorf("capacity acquire: %w", err)
	}
	return n == 1, nil
}

func (r *RedisCounter) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}).Int()
	if err != nil {
		return fmt.Errorf("capacity release: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("release with no slot held")
	}
	return nil
}

func (r *RedisCounter) InUse(ctx context.Context) (int, error) {
	n, err := r.client.Get(ctx, r.key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("capacity in use: %w", err)
	}
	return n, nil
}
