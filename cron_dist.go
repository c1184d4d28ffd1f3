package taskpipe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// cronDist 基于管道的分布式 Cron：Scheduler + Executor
// - Scheduler: 仅持有 Leader 锁的节点运行，按 spec 向队列 cron.<name> 发布触发事件
// - Executor: 全部节点以同一消费组订阅 cron.<name>，每次触发只有一个节点执行
type cronDist struct {
	p *pipeline

	mu       sync.Mutex
	reg      map[string]cronTask
	sched    *cronv3.Cron
	schedIDs map[string]cronv3.EntryID
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type cronTask struct {
	spec string
	fn   func(context.Context) error
	mws  []CronMiddleware
}

const (
	cronQueuePrefix      = "cron."
	defaultExecutorGroup = "cron-exec"
	leaderRetryInterval  = 2 * time.Second
)

func newCronDist(p *pipeline) *cronDist {
	return &cronDist{p: p, reg: map[string]cronTask{}, schedIDs: map[string]cronv3.EntryID{}}
}

func cronQueue(name string) string { return cronQueuePrefix + name }

func (cd *cronDist) leaderKey() string {
	if k := cd.p.cfg.Cron.LeaderLockKey; k != "" {
		return k
	}
	return cd.p.cfg.Namespace + ":cron:leader"
}

func (cd *cronDist) executor() Subscriber {
	group := cd.p.cfg.Cron.ExecutorGroup
	if group == "" {
		group = defaultExecutorGroup
	}
	return NewSubscriber(group, cd.execHandle)
}

func (cd *cronDist) Add(spec string, name string, fn func(context.Context) error, mws ...CronMiddleware) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("cron %s: nil fn", name)
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return "", fmt.Errorf("cron %s: %w", name, err)
	}
	key := name
	if key == "" {
		key = spec
	}
	cd.mu.Lock()
	cd.reg[key] = cronTask{spec: spec, fn: fn, mws: mws}
	started := cd.started
	if cd.sched != nil {
		cd.scheduleLocked(key, spec)
	}
	cd.mu.Unlock()
	if started {
		if err := cd.p.SubscribeToQueue(context.Background(), cronQueue(key), cd.executor()); err != nil {
			return "", err
		}
	}
	return key, nil
}

func (cd *cronDist) Remove(id string) error {
	cd.mu.Lock()
	delete(cd.reg, id)
	if eid, ok := cd.schedIDs[id]; ok && cd.sched != nil {
		cd.sched.Remove(eid)
		delete(cd.schedIDs, id)
	}
	started := cd.started
	cd.mu.Unlock()
	if started {
		return cd.p.UnsubscribeQueue(context.Background(), cronQueue(id), cd.executor())
	}
	return nil
}

func (cd *cronDist) Start(ctx context.Context) error {
	cd.mu.Lock()
	if cd.started {
		cd.mu.Unlock()
		return nil
	}
	cd.started = true
	names := make([]string, 0, len(cd.reg))
	for name := range cd.reg {
		names = append(names, name)
	}
	lctx, cancel := context.WithCancel(context.Background())
	cd.cancel = cancel
	cd.mu.Unlock()

	// 启动 Executor（所有节点）
	for _, name := range names {
		if err := cd.p.SubscribeToQueue(ctx, cronQueue(name), cd.executor()); err != nil {
			cancel()
			return err
		}
	}
	// 启动 Leader 选举与 Scheduler（仅 Leader）
	cd.wg.Add(1)
	go func() {
		defer cd.wg.Done()
		cd.leaderLoop(lctx)
	}()
	return nil
}

func (cd *cronDist) Stop(ctx context.Context) error {
	cd.mu.Lock()
	if !cd.started {
		cd.mu.Unlock()
		return nil
	}
	cd.started = false
	cancel := cd.cancel
	names := make([]string, 0, len(cd.reg))
	for name := range cd.reg {
		names = append(names, name)
	}
	cd.mu.Unlock()
	cancel()
	done := make(chan struct{})
	go func() { cd.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, name := range names {
		if err := cd.p.UnsubscribeQueue(ctx, cronQueue(name), cd.executor()); err != nil {
			cd.p.logger.Warn(ctx, "stop cron executor failed", "name", name, "error", err.Error())
		}
	}
	return nil
}

// --- Scheduler (Leader only) ---

func (cd *cronDist) leaderLoop(ctx context.Context) {
	key := cd.leaderKey()
	for {
		lease, ok, err := cd.p.locker.Acquire(ctx, key)
		if err != nil {
			cd.p.logger.Warn(ctx, "cron leader acquire failed", "key", key, "error", err.Error())
		}
		if ok {
			cd.p.logger.Info(ctx, "cron leader acquired", "key", key, "node", cd.p.nodeID)
			cd.startScheduler()
			select {
			case <-lease.Lost():
				cd.p.logger.Warn(ctx, "cron leader lost", "key", key, "node", cd.p.nodeID)
			case <-ctx.Done():
			}
			cd.stopScheduler()
			if err := lease.Release(context.Background()); err != nil {
				cd.p.logger.Warn(ctx, "cron leader release failed", "key", key, "error", err.Error())
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(leaderRetryInterval):
		}
	}
}

func (cd *cronDist) startScheduler() {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.sched = cronv3.New(cronv3.WithParser(cronParser), cronv3.WithLocation(cronLocation(cd.p.cfg.Cron.Timezone)))
	cd.schedIDs = map[string]cronv3.EntryID{}
	for name, t := range cd.reg {
		cd.scheduleLocked(name, t.spec)
	}
	cd.sched.Start()
}

func (cd *cronDist) scheduleLocked(name, spec string) {
	if old, ok := cd.schedIDs[name]; ok {
		cd.sched.Remove(old)
	}
	id, err := cd.sched.AddFunc(spec, func() {
		ctx := context.Background()
		if err := cd.publishTick(ctx, name); err != nil {
			cd.p.logger.Error(ctx, "cron tick publish failed", "name", name, "error", err.Error())
		}
	})
	if err != nil {
		cd.p.logger.Error(context.Background(), "cron schedule failed", "name", name, "spec", spec, "error", err.Error())
		return
	}
	cd.schedIDs[name] = id
}

func (cd *cronDist) stopScheduler() {
	cd.mu.Lock()
	sched := cd.sched
	cd.sched = nil
	cd.schedIDs = map[string]cronv3.EntryID{}
	cd.mu.Unlock()
	if sched != nil {
		<-sched.Stop().Done()
	}
}

func (cd *cronDist) publishTick(ctx context.Context, name string) error {
	q := cronQueue(name)
	h, err := cd.p.handleFor(ctx, q, "")
	if err != nil {
		return err
	}
	return h.Publish(ctx, q, nil, map[string]string{headerKind: DeliveryEvent.String(), headerEventType: "cron.tick"})
}

// --- Executor (All nodes) ---

func (cd *cronDist) execHandle(ctx context.Context, d Delivery) error {
	name := strings.TrimPrefix(d.Queue, cronQueuePrefix)
	cd.mu.Lock()
	t, ok := cd.reg[name]
	cd.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron task not found: %s", name)
	}
	return chainCron(t.fn, t.mws)(ctx)
}
