package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	tp "github.com/northseadl/taskpipe"
)

func TestRabbitMQ_Concurrency(t *testing.T) {
	cfg := rabbitConfig(t)
	cfg.MQ.RabbitMQ.Prefetch = 64
	cfg.MQ.RabbitMQ.ConsumerConcurrency = 8
	ctx := context.Background()
	p := newPipeline(t, cfg)

	queue := "it.concurrent"
	if err := p.CreateTaskQueue(ctx, queue, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	p.Workers().Register(tp.NewJob(queue, func(ctx context.Context, run *tp.TaskRun) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}))
	stop, err := p.Workers().Start(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	defer stop(ctx)

	n := 100
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		st, err := p.PublishTask(ctx, queue, []byte(fmt.Sprint(i)), 0, nil)
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		ids = append(ids, st.TaskID)
	}

	deadline := time.Now().Add(10 * time.Second)
	for _, id := range ids {
		st, ok := p.AwaitTask(ctx, id, time.Until(deadline))
		if !ok || st.CurrentState != tp.TaskCompleted {
			t.Fatalf("task %s not completed in time: %s", id, st.CurrentState)
		}
	}
}
