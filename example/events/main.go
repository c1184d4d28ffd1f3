package main

import (
	"context"
	"fmt"
	"time"

	"github.com/northseadl/taskpipe"
)

func main() {
	ctx := context.Background()

	p, err := taskpipe.New(ctx, taskpipe.Config{MQ: taskpipe.MQConfig{Provider: taskpipe.MQProviderMemory}})
	if err != nil {
		panic(err)
	}
	defer func() { _ = p.Close(ctx) }()

	sub := taskpipe.NewEventSubscriber("g1", taskpipe.FilterByType("greeting"), func(ctx context.Context, e taskpipe.Event) error {
		fmt.Printf("[Events] 收到: type=%s payload=%s\n", e.Type, string(e.Payload))
		return nil
	})
	if err := p.SubscribeToQueue(ctx, "demo.events", sub); err != nil {
		panic(err)
	}

	_, _ = p.PublishEvent(ctx, taskpipe.Event{Queue: "demo.events", Type: "greeting", Payload: []byte("hello")})
	_, _ = p.PublishEvent(ctx, taskpipe.Event{Queue: "demo.events", Type: "ignored", Payload: []byte("filtered out")})
	fmt.Println("[Events] 已发布事件，等待 500ms...")
	time.Sleep(500 * time.Millisecond)
}
