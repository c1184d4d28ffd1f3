package taskpipe

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// KV 是幂等中间件依赖的最小键值接口，便于单元测试注入 mock。
type KV interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// IdempotencyConfig 配置幂等中间件。
// Key 计算顺序：优先 Message.Key；若为空且提供 KeyFunc，则使用 KeyFunc。
// 最终存储 key 为 Prefix + ":" + sha1(keyRaw)。
type IdempotencyConfig struct {
	KV KV `mapstructure:"-"` // 可选：键值存储（生产用 RedisKV）
	// 可选 Redis 连接参数（若 KV 为空则使用这些参数自动启用）
	Redis RedisConfig `mapstructure:"redis"`

	Prefix  string                                               `mapstructure:"prefix"` // key 前缀，如 "tp:idem"
	TTL     time.Duration                                        `mapstructure:"ttl"`    // 幂等键过期时间
	KeyFunc func(ctx context.Context, m Message) (string, error) `mapstructure:"-"`      // 可选：自定义业务唯一键
}

func (c IdempotencyConfig) enabled() bool { return c.KV != nil || c.Redis.Addr != "" }

// NewIdempotencyMiddleware 生成通用 MQ Middleware。
func NewIdempotencyMiddleware(cfg IdempotencyConfig) Middleware {
	if cfg.KV == nil {
		panic("IdempotencyMiddleware requires KV")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tp:idem"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, m Message) error {
			keyRaw := m.Key
			if keyRaw == "" && cfg.KeyFunc != nil {
				if s, err := cfg.KeyFunc(ctx, m); err == nil {
					keyRaw = s
				}
			}
			if keyRaw == "" {
				return next(ctx, m)
			}
			h := sha1.Sum([]byte(keyRaw))
			storeKey := fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(h[:]))
			ok, err := cfg.KV.SetNX(ctx, storeKey, "1", cfg.TTL)
			if err != nil {
				return err
			}
			if !ok {
				return nil // 已处理，直接跳过
			}
			if err := next(ctx, m); err != nil {
				// 处理失败释放键，允许重投再次执行
				_ = cfg.KV.Del(context.WithoutCancel(ctx), storeKey)
				return err
			}
			return nil
		}
	}
}

// NewJobIdempotencyMiddleware 生成 JobMiddleware，以任务 id 去重，
// 同一任务被重复投递时只执行一次。
func NewJobIdempotencyMiddleware(cfg IdempotencyConfig) JobMiddleware {
	if cfg.Prefix == "" {
		cfg.Prefix = "tp:idem:job"
	}
	mw := NewIdempotencyMiddleware(cfg)
	return func(next JobHandler) JobHandler {
		return func(ctx context.Context, run *TaskRun) error {
			m := Message{Topic: run.Queue(), Key: run.TaskID()}
			executed := false
			err := mw(func(ctx context.Context, _ Message) error {
				executed = true
				return next(ctx, run)
			})(ctx, m)
			if err == nil && !executed {
				run.markDuplicate()
			}
			return err
		}
	}
}
