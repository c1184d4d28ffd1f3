package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	tp "github.com/northseadl/taskpipe"
)

func TestRabbitMQ_TaskRoundTrip(t *testing.T) {
	cfg := rabbitConfig(t)
	ctx := context.Background()
	p := newPipeline(t, cfg)

	queue := "it.tp.roundtrip"
	if err := p.CreateTaskQueue(ctx, queue, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	p.Workers().Register(echoJob(queue))
	stop, err := p.Workers().Start(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	defer stop(ctx)

	st, err := p.PublishTask(ctx, queue, []byte("hi"), 5*time.Second, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if st.CurrentState != tp.TaskCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.CurrentState)
	}
	if len(st.Output) != 1 || st.Output[0] != "hi" {
		t.Fatalf("unexpected output: %v", st.Output)
	}
}

func TestRabbitMQ_FailedTask(t *testing.T) {
	cfg := rabbitConfig(t)
	ctx := context.Background()
	p := newPipeline(t, cfg)

	queue := "it.tp.alwaysfail"
	if err := p.CreateTaskQueue(ctx, queue, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	p.Workers().Register(tp.NewJob(queue, func(ctx context.Context, run *tp.TaskRun) error {
		run.Output("partial")
		return errors.New("boom")
	}))
	stop, err := p.Workers().Start(ctx)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	defer stop(ctx)

	st, err := p.PublishTask(ctx, queue, []byte("p"), 5*time.Second, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if st.CurrentState != tp.TaskFailed || st.Error != "boom" {
		t.Fatalf("expected FAILED with error, got %s %q", st.CurrentState, st.Error)
	}
}
