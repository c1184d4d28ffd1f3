package taskpipe

import (
	"time"
)

// DelayMode 用于 RabbitMQ 延时消息兼容模式。
type DelayMode string

const (
	DelayModeStandard DelayMode = "standard" // 使用 x-delayed-message 插件（x-delay）
	DelayModeAliyun   DelayMode = "aliyun"   // 使用阿里云原生（delay）
)

// Config 为包总配置，应用通过 New 传入。
type Config struct {
	// NodeID 当前节点标识；为空时自动生成。响应队列上的状态监听者以其区分节点。
	NodeID string `mapstructure:"node_id"`
	// Namespace 服务命名空间：用于隔离锁键、审计流与域存储的前缀
	Namespace string `mapstructure:"namespace"`
	// MQ 为默认（直连）传输：未注册域的队列回退到该传输。Provider 为空表示无默认传输。
	MQ       MQConfig       `mapstructure:"mq"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Cron     CronConfig     `mapstructure:"cron"`
	// Domains 域配置存储；提供 Redis 地址时使用 Redis，否则使用进程内存储。
	Domains DomainStoreConfig `mapstructure:"domains"`
	// Audit 审计写入（尽力而为）。
	Audit  AuditConfig  `mapstructure:"audit"`
	Logger LoggerConfig `mapstructure:"logger"`

	// Idempotency 可选配置：若提供 KV/Redis，则对所有投递启用幂等检查。
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
}

type MQProvider string

const (
	MQProviderRabbitMQ MQProvider = "rabbitmq"
	MQProviderRedis    MQProvider = "redis"
	MQProviderMemory   MQProvider = "memory"
)

type MQConfig struct {
	Provider MQProvider     `mapstructure:"provider" json:"type"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq" json:"rabbitmq,omitempty"`
	Redis    RedisConfig    `mapstructure:"redis" json:"redis,omitempty"`
	// 统一重试策略配置，适用于 MQ 层
	Retry RetryConfig `mapstructure:"retry" json:"retry,omitempty"`
}

type RabbitMQConfig struct {
	URI                 string `mapstructure:"uri" json:"uri,omitempty"`
	Exchange            string `mapstructure:"exchange" json:"exchange,omitempty"`
	DelayedExchange     string `mapstructure:"delayed_exchange" json:"delayedExchange,omitempty"`
	Prefetch            int    `mapstructure:"prefetch" json:"prefetch,omitempty"`
	ConsumerConcurrency int    `mapstructure:"consumer_concurrency" json:"consumerConcurrency,omitempty"`
	// DelayMode 选择延时消息兼容模式；默认 standard。
	DelayMode DelayMode `mapstructure:"delay_mode" json:"delayMode,omitempty"`
}

type RedisConfig struct {
	Addr                string `mapstructure:"addr" json:"addr,omitempty"`
	Username            string `mapstructure:"username" json:"username,omitempty"`
	Password            string `mapstructure:"password" json:"password,omitempty"`
	DB                  int    `mapstructure:"db" json:"db,omitempty"`
	ConsumerConcurrency int    `mapstructure:"consumer_concurrency" json:"consumerConcurrency,omitempty"`
}

type RetryConfig struct {
	Base       time.Duration `mapstructure:"base" json:"base,omitempty"`
	Factor     float64       `mapstructure:"factor" json:"factor,omitempty"`
	MaxRetries int           `mapstructure:"max_retries" json:"maxRetries,omitempty"`
}

// PipelineConfig 管道门面的行为参数。
type PipelineConfig struct {
	// BroadcastQueue 集群级广播队列（所有节点共享），用于缓存失效等扇出。
	BroadcastQueue string `mapstructure:"broadcast_queue"`
	// Codec 状态信封的序列化格式：json（默认）或 cbor。
	Codec string `mapstructure:"codec"`
}

type TrackerConfig struct {
	// Retention 终态任务保留时长，超过后由清理任务移除。
	Retention time.Duration `mapstructure:"retention"`
	// SweepSpec 清理任务的 cron 表达式，默认 "@every 1m"；"-" 表示禁用。
	SweepSpec string `mapstructure:"sweep_spec"`
}

type WorkerConfig struct {
	// Group 任务队列上 Worker 的共享消费组，同组实例竞争消费。
	Group string `mapstructure:"group"`
}

type CronConfig struct {
	Timezone string `mapstructure:"timezone"`
	// Distributed 开启分布式调度（Scheduler + Executor）。
	Distributed bool `mapstructure:"distributed"`
	// LeaderLockKey 分布式锁键。
	LeaderLockKey string `mapstructure:"leader_lock_key"`
	// LeaderTTL 锁过期时间。
	LeaderTTL time.Duration `mapstructure:"leader_ttl"`
	// ExecutorGroup 执行器消费组。
	ExecutorGroup string `mapstructure:"executor_group"`
}

type DomainStoreConfig struct {
	Redis  RedisConfig `mapstructure:"redis"`
	Prefix string      `mapstructure:"prefix"`
}

type AuditConfig struct {
	Redis  RedisConfig `mapstructure:"redis"`
	Stream string      `mapstructure:"stream"`
	MaxLen int64       `mapstructure:"max_len"`
}

type LoggerConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console 或 json
	Format string `mapstructure:"format"`
	// Outputs: stdout、stderr 或文件路径
	Outputs  []string       `mapstructure:"outputs"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 控制文件输出的滚动。
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

const (
	DefaultBroadcastQueue = "taskpipe.broadcast"
	defaultWorkerGroup    = "workers"
	defaultSweepSpec      = "@every 1m"
	defaultRetention      = 10 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "taskpipe"
	}
	if c.Pipeline.BroadcastQueue == "" {
		c.Pipeline.BroadcastQueue = DefaultBroadcastQueue
	}
	if c.Pipeline.Codec == "" {
		c.Pipeline.Codec = ContentTypeJSON
	}
	if c.Tracker.Retention <= 0 {
		c.Tracker.Retention = defaultRetention
	}
	if c.Tracker.SweepSpec == "" {
		c.Tracker.SweepSpec = defaultSweepSpec
	}
	if c.Worker.Group == "" {
		c.Worker.Group = defaultWorkerGroup
	}
	if c.Domains.Prefix == "" {
		c.Domains.Prefix = c.Namespace
	}
	if c.Audit.Stream == "" {
		c.Audit.Stream = c.Namespace + ":audit"
	}
}
