package main

import (
	"context"
	"fmt"
	"os"

	"github.com/northseadl/taskpipe"
)

// 演示按域解析队列：未配置默认传输时，只有注册了域的队列可用。
func main() {
	ctx := context.Background()

	p, err := taskpipe.New(ctx, taskpipe.Config{})
	if err != nil {
		panic(err)
	}
	defer func() { _ = p.Close(ctx) }()

	svcA := `{"type":"memory"}`
	if addr := os.Getenv("TP_REDIS_ADDR"); addr != "" {
		svcA = fmt.Sprintf(`{"type":"redis","redis":{"addr":%q}}`, addr)
	}
	if err := p.RegisterDomain(ctx, "service-a.orders", svcA); err != nil {
		panic(err)
	}

	ok, err := p.BroadcastMessage(ctx, "service-a.orders", []byte("order created"))
	fmt.Println("[Domains] service-a.orders 发布:", ok, err)

	ok, err = p.BroadcastMessage(ctx, "service-b.orders", []byte("order created"))
	fmt.Println("[Domains] service-b.orders 未注册域，发布:", ok, err)

	if err := p.BroadcastMessageToAll(ctx, []byte("invalidate")); err != nil {
		fmt.Println("[Domains] 集群广播不可用:", err)
	}
}
