package integration

import (
	"context"
	"testing"
	"time"

	tp "github.com/northseadl/taskpipe"
)

func TestRedis_DelayedBroadcast_Flow(t *testing.T) {
	cfg := redisConfig(t)
	ctx := context.Background()
	p := newPipeline(t, cfg)

	queue := "it.redis.delay"
	recv := make(chan time.Time, 1)
	sub := tp.NewEventSubscriber("g1", nil, func(ctx context.Context, e tp.Event) error {
		recv <- time.Now()
		return nil
	})
	if err := p.SubscribeToQueue(ctx, queue, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	start := time.Now()
	delay := 1200 * time.Millisecond
	ok, err := p.BroadcastDelayed(ctx, queue, []byte("hello"), delay)
	if err != nil || !ok {
		t.Fatalf("broadcast delayed: %v %v", ok, err)
	}

	select {
	case got := <-recv:
		elapsed := got.Sub(start)
		if elapsed < delay {
			t.Fatalf("too early: %v < %v", elapsed, delay)
		}
		if elapsed > delay+3*time.Second {
			t.Fatalf("too late: %v > %v", elapsed, delay+3*time.Second)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("timeout waiting delayed message")
	}
}

func TestRedis_DomainResolution(t *testing.T) {
	addr := requireEnv(t, "TP_REDIS_ADDR")
	cfg := tp.Config{Domains: tp.DomainStoreConfig{Redis: tp.RedisConfig{Addr: addr}, Prefix: "it.tp"}}
	ctx := context.Background()
	p := newPipeline(t, cfg)

	queue := "it.redis.domain"
	if err := p.RegisterDomain(ctx, queue, `{"type":"redis","redis":{"addr":"`+addr+`"}}`); err != nil {
		t.Fatalf("register domain: %v", err)
	}
	defer p.DeleteDomain(ctx, queue)

	recv := make(chan struct{}, 1)
	sub := tp.NewEventSubscriber("g1", nil, func(ctx context.Context, e tp.Event) error {
		recv <- struct{}{}
		return nil
	})
	if err := p.SubscribeToQueue(ctx, queue, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ok, err := p.BroadcastMessage(ctx, queue, []byte("x")); err != nil || !ok {
		t.Fatalf("broadcast: %v %v", ok, err)
	}
	select {
	case <-recv:
	case <-time.After(3 * time.Second):
		t.Fatalf("message not received through domain handle")
	}
	if ok, _ := p.BroadcastMessage(ctx, "it.redis.unregistered", []byte("x")); ok {
		t.Fatalf("expected no handle for unregistered queue")
	}
}
