package main

import (
	"context"
	"fmt"
	"time"

	"github.com/northseadl/taskpipe"
)

func main() {
	ctx := context.Background()

	// 使用本地 Cron（无需外部依赖），每秒打印一次，运行约 3.5 秒后退出
	p, err := taskpipe.New(ctx, taskpipe.Config{Cron: taskpipe.CronConfig{Distributed: false}})
	if err != nil {
		panic(err)
	}
	defer func() { _ = p.Close(ctx) }()

	count := 0
	_, err = p.Cron().Add("*/1 * * * * *", "tick-1s", func(ctx context.Context) error {
		count++
		fmt.Println("[Cron] tick", count)
		return nil
	})
	if err != nil {
		panic(err)
	}

	if err := p.Start(ctx); err != nil {
		panic(err)
	}
	fmt.Println("[Cron] 已启动，本示例将运行约 3.5s...")
	time.Sleep(3500 * time.Millisecond)
	fmt.Println("[Cron] 示例结束")
}
