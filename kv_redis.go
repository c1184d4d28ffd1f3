package taskpipe

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV 适配 github.com/redis/go-redis 以满足 KV 接口。
type RedisKV struct{ R *redis.Client }

func (r RedisKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.R.SetNX(ctx, key, value, ttl).Result()
}

func (r RedisKV) Del(ctx context.Context, key string) error {
	return r.R.Del(ctx, key).Err()
}

func newRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
}
