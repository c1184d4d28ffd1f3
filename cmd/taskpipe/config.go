package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/northseadl/taskpipe"
)

// defaultConfig 命令行的默认配置：进程内传输，控制台日志。
func defaultConfig() taskpipe.Config {
	return taskpipe.Config{
		Namespace: "taskpipe",
		MQ:        taskpipe.MQConfig{Provider: taskpipe.MQProviderMemory},
		Logger: taskpipe.LoggerConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
		},
	}
}

// loadConfig 读取 YAML 配置（path 为空时搜索常见位置），并支持环境变量覆盖。
// 环境变量前缀 TASKPIPE，"." 与 "-" 替换为 "_"，例如 TASKPIPE_MQ_PROVIDER=redis。
func loadConfig(path string) (taskpipe.Config, error) {
	cfg := defaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// 为仅用环境变量的部署预置键
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("namespace", cfg.Namespace)
	v.SetDefault("mq.provider", string(cfg.MQ.Provider))
	v.SetDefault("mq.rabbitmq.uri", "")
	v.SetDefault("mq.rabbitmq.exchange", "")
	v.SetDefault("mq.rabbitmq.delayed_exchange", "")
	v.SetDefault("mq.redis.addr", "")
	v.SetDefault("pipeline.broadcast_queue", "")
	v.SetDefault("pipeline.codec", "")
	v.SetDefault("tracker.retention", "10m")
	v.SetDefault("tracker.sweep_spec", "")
	v.SetDefault("worker.group", "")
	v.SetDefault("cron.distributed", false)
	v.SetDefault("domains.redis.addr", "")
	v.SetDefault("audit.redis.addr", "")
	v.SetDefault("idempotency.redis.addr", "")
	v.SetDefault("logger.level", cfg.Logger.Level)
	v.SetDefault("logger.format", cfg.Logger.Format)
	v.SetDefault("logger.outputs", cfg.Logger.Outputs)
	v.SetDefault("logger.rotation.enable", false)

	if path == "" {
		if envPath := os.Getenv("TASKPIPE_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskpipe")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".taskpipe"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, validate(&cfg)
}

func validate(c *taskpipe.Config) error {
	switch strings.ToLower(strings.TrimSpace(c.Logger.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logger.level: %q", c.Logger.Level)
	}
	switch c.MQ.Provider {
	case "", taskpipe.MQProviderMemory, taskpipe.MQProviderRedis, taskpipe.MQProviderRabbitMQ:
	default:
		return fmt.Errorf("invalid mq.provider: %q", c.MQ.Provider)
	}
	return nil
}
