package taskpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type workers struct {
	p   *pipeline
	reg sync.Map // queue -> Job
}

func newWorkers(p *pipeline) Workers { return &workers{p: p} }

func (w *workers) Register(job Job) {
	if job != nil && job.Queue() != "" {
		w.reg.Store(job.Queue(), job)
	}
}

func (w *workers) Start(ctx context.Context, mws ...JobMiddleware) (func(context.Context) error, error) {
	var queues []string
	w.reg.Range(func(k, _ any) bool {
		queues = append(queues, k.(string))
		return true
	})
	final := w.wrap(mws...)
	// 同组 Worker 竞争消费：每个任务只被一个节点执行
	sub := NewSubscriber(w.p.cfg.Worker.Group, func(ctx context.Context, d Delivery) error {
		return w.handle(ctx, d, final)
	})
	var started []string
	stop := func(ctx context.Context) error {
		var errs []error
		for _, q := range started {
			if err := w.p.UnsubscribeQueue(ctx, q, sub); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	for _, q := range queues {
		if err := w.p.SubscribeToQueue(ctx, q, sub); err != nil {
			_ = stop(ctx)
			return nil, fmt.Errorf("start worker on %s: %w", q, err)
		}
		started = append(started, q)
	}
	return stop, nil
}

func (w *workers) handle(ctx context.Context, d Delivery, final JobHandler) error {
	if d.Kind != DeliveryStatus || d.Status.CurrentState != TaskSubmitted {
		return nil
	}
	run := newTaskRun(d.Queue, d.Status, w.p.PublishTaskResponse)
	err := final(ctx, run)
	if err != nil {
		w.p.logger.Warn(ctx, "job failed", "queue", d.Queue, "task", run.TaskID(), "error", err.Error())
	}
	return run.finish(ctx, err)
}

func (w *workers) wrap(mws ...JobMiddleware) JobHandler {
	var final JobHandler = func(ctx context.Context, run *TaskRun) error {
		v, ok := w.reg.Load(run.Queue())
		if !ok {
			return fmt.Errorf("job not registered: %s", run.Queue())
		}
		return v.(Job).Execute(ctx, run)
	}
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}
