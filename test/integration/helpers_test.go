package integration

import (
	"context"
	"os"
	"testing"
	"time"

	tp "github.com/northseadl/taskpipe"
)

func requireEnv(t *testing.T, k string) string {
	v := os.Getenv(k)
	if v == "" {
		t.Skipf("env %s not set; skipping integration", k)
	}
	return v
}

func rabbitConfig(t *testing.T) tp.Config {
	uri := requireEnv(t, "TP_RABBITMQ_URI")
	ex := requireEnv(t, "TP_RABBITMQ_EXCHANGE")
	return tp.Config{MQ: tp.MQConfig{Provider: tp.MQProviderRabbitMQ, RabbitMQ: tp.RabbitMQConfig{URI: uri, Exchange: ex, DelayedExchange: os.Getenv("TP_RABBITMQ_DELAYED_EXCHANGE")}}}
}

func redisConfig(t *testing.T) tp.Config {
	addr := requireEnv(t, "TP_REDIS_ADDR")
	return tp.Config{MQ: tp.MQConfig{Provider: tp.MQProviderRedis, Redis: tp.RedisConfig{Addr: addr}}}
}

func newPipeline(t *testing.T, cfg tp.Config) tp.Pipeline {
	t.Helper()
	ctx := context.Background()
	p, err := tp.New(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.Close(cctx)
	})
	return p
}

func echoJob(queue string) tp.Job {
	return tp.NewJob(queue, func(ctx context.Context, run *tp.TaskRun) error {
		run.Output(string(run.Input()))
		return nil
	})
}
