package taskpipe

import (
	"context"
	"fmt"
	"sync"

	cronv3 "github.com/robfig/cron/v3"
)

// cronSvc 进程内调度：每个节点各自触发。也用于跟踪表清理等节点本地任务。
type cronSvc struct {
	logger Logger
	cron   *cronv3.Cron
	mu     sync.Mutex
	ids    map[string]cronv3.EntryID
}

func newCronLocal(cfg CronConfig, logger Logger) *cronSvc {
	cr := cronv3.New(cronv3.WithParser(cronParser), cronv3.WithLocation(cronLocation(cfg.Timezone)))
	return &cronSvc{logger: logger, cron: cr, ids: make(map[string]cronv3.EntryID)}
}

func (s *cronSvc) Add(spec string, name string, fn func(context.Context) error, mws ...CronMiddleware) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("cron %s: nil fn", name)
	}
	key := name
	if key == "" {
		key = spec
	}
	final := chainCron(fn, mws)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.ids[key]; ok {
		s.cron.Remove(old)
	}
	id, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if err := final(ctx); err != nil {
			s.logger.Error(ctx, "cron task failed", "name", key, "error", err.Error())
		}
	})
	if err != nil {
		return "", fmt.Errorf("cron %s: %w", key, err)
	}
	s.ids[key] = id
	return key, nil
}

func (s *cronSvc) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eid, ok := s.ids[id]; ok {
		s.cron.Remove(eid)
		delete(s.ids, id)
	}
	return nil
}

func (s *cronSvc) Start(ctx context.Context) error { s.cron.Start(); return nil }

// Stop 停止调度并等待正在运行的任务结束（受 ctx 约束）。
func (s *cronSvc) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
