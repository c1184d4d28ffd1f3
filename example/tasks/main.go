package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/northseadl/taskpipe"
)

func main() {
	ctx := context.Background()

	// 默认使用进程内传输；设置环境变量则启用 Redis/RabbitMQ
	cfg := taskpipe.Config{MQ: taskpipe.MQConfig{Provider: taskpipe.MQProviderMemory}}
	if addr := os.Getenv("TP_REDIS_ADDR"); addr != "" {
		cfg.MQ = taskpipe.MQConfig{Provider: taskpipe.MQProviderRedis, Redis: taskpipe.RedisConfig{Addr: addr}}
		fmt.Println("[Tasks] 使用 Redis:", addr)
	} else if uri := os.Getenv("TP_RABBITMQ_URI"); uri != "" {
		cfg.MQ = taskpipe.MQConfig{Provider: taskpipe.MQProviderRabbitMQ, RabbitMQ: taskpipe.RabbitMQConfig{URI: uri, Exchange: os.Getenv("TP_RABBITMQ_EXCHANGE")}}
		fmt.Println("[Tasks] 使用 RabbitMQ:", uri)
	}

	p, err := taskpipe.New(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = p.Close(ctx) }()

	if err := p.CreateTaskQueue(ctx, "example.upper", ""); err != nil {
		panic(err)
	}
	p.Workers().Register(taskpipe.NewJob("example.upper", func(ctx context.Context, run *taskpipe.TaskRun) error {
		_ = run.Report(ctx, "working")
		run.Output(strings.ToUpper(string(run.Input())))
		return nil
	}))
	stop, err := p.Workers().Start(ctx)
	if err != nil {
		panic(err)
	}
	defer func() { _ = stop(ctx) }()

	st, err := p.PublishTask(ctx, "example.upper", []byte("hello"), 3*time.Second, nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("[Tasks] %s -> %s %v\n", st.TaskID, st.CurrentState, st.Output)

	// timeout 为 0：立即返回 SUBMITTED，稍后再查询
	st, _ = p.PublishTask(ctx, "example.upper", []byte("later"), 0, nil)
	fmt.Printf("[Tasks] %s -> %s\n", st.TaskID, st.CurrentState)
	if done, ok := p.AwaitTask(ctx, st.TaskID, 3*time.Second); ok {
		fmt.Printf("[Tasks] %s -> %s %v\n", done.TaskID, done.CurrentState, done.Output)
	}
}
