package taskpipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pipeline 对外统一入口：队列管理、广播、带响应的任务发布与订阅。
// 通过 New 构造；所有阻塞方法遵循 ctx 取消。实现并发安全。
type Pipeline interface {
	// Start 启动后台调度（跟踪表清理、Cron）。
	Start(ctx context.Context) error
	// Close 尽力而为地释放全部订阅、响应队列与传输连接，不返回清理错误。
	Close(ctx context.Context) error

	// CreateBroadcastQueue 解析或按 config（域配置 JSON，可为空）构建句柄并创建队列。
	CreateBroadcastQueue(ctx context.Context, queue, config string) error
	// CreateTaskQueue 同上，并同时创建配套的 "<queue>-response" 队列。
	CreateTaskQueue(ctx context.Context, queue, config string) error
	RemoveBroadcastQueue(ctx context.Context, queue string) error
	RemoveTaskQueue(ctx context.Context, queue string) error

	// BroadcastMessage 发布原始消息；仅在无法解析任何句柄时返回 false，发布失败返回错误。
	BroadcastMessage(ctx context.Context, queue string, payload []byte) (bool, error)
	// BroadcastTask 以配置的编解码器序列化 v 后广播。
	BroadcastTask(ctx context.Context, queue string, v any) (bool, error)
	BroadcastDelayed(ctx context.Context, queue string, payload []byte, delay time.Duration) (bool, error)
	// BroadcastMessageToAll 发布到集群广播队列；无可用句柄时返回 ErrBroadcastUnavailable。
	BroadcastMessageToAll(ctx context.Context, payload []byte) error
	PublishEvent(ctx context.Context, e Event) (bool, error)

	// PublishTask 生成任务并发布其状态信封；timeout > 0 时等待终态或超时，返回此时的状态。
	// sub 为空时使用本节点内置的状态监听者。
	PublishTask(ctx context.Context, queue string, payload []byte, timeout time.Duration, sub Subscriber) (TaskStatus, error)
	// PublishTaskResponse 向 "<queue>-response" 发布状态更新。
	PublishTaskResponse(ctx context.Context, queue string, st TaskStatus) error
	GetStatus(taskID string) (TaskStatus, bool)
	ListTasks() []TaskStatus
	AwaitTask(ctx context.Context, taskID string, timeout time.Duration) (TaskStatus, bool)
	RemoveTask(taskID string) bool

	SubscribeToQueue(ctx context.Context, queue string, sub Subscriber) error
	UnsubscribeQueue(ctx context.Context, queue string, sub Subscriber) error

	RegisterDomain(ctx context.Context, name, config string) error
	DeleteDomain(ctx context.Context, name string) error

	Workers() Workers
	Cron() Cron
}

// New 创建 Pipeline。cfg.MQ 非空时构建默认（直连）传输，未注册域的队列回退到它。
func New(ctx context.Context, cfg Config, opts ...Option) (Pipeline, error) {
	cfg.applyDefaults()
	p := &pipeline{
		cfg:       cfg,
		nodeID:    cfg.NodeID,
		tracker:   NewTaskTracker(),
		factories: map[MQProvider]HandleFactory{},
		responses: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.nodeID == "" {
		p.nodeID = uuid.NewString()
	}
	if p.logger == nil {
		l, zl, err := NewLogger(cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		p.logger, p.zl = l, zl
	}

	codecs, err := newCodecRegistry()
	if err != nil {
		return nil, err
	}
	p.codecs = codecs
	if p.codec, err = codecs.get(cfg.Pipeline.Codec); err != nil {
		return nil, err
	}

	if p.store == nil {
		if cfg.Domains.Redis.Addr != "" {
			rc := newRedisClient(cfg.Domains.Redis)
			p.closers = append(p.closers, rc.Close)
			p.store = NewRedisDomainStore(rc, cfg.Domains.Prefix)
		} else {
			p.store = NewMemoryDomainStore()
		}
	}
	if p.auditor == nil {
		if cfg.Audit.Redis.Addr != "" {
			rc := newRedisClient(cfg.Audit.Redis)
			p.closers = append(p.closers, rc.Close)
			p.auditor = NewRedisAuditor(rc, cfg.Audit.Stream, cfg.Audit.MaxLen)
		} else {
			p.auditor = noopAuditor{}
		}
	}
	if p.locker == nil {
		switch cfg.MQ.Provider {
		case MQProviderRedis:
			rc := newRedisClient(cfg.MQ.Redis)
			p.closers = append(p.closers, rc.Close)
			p.locker = NewRedisLocker(rc, p.nodeID, cfg.Cron.LeaderTTL)
		case MQProviderRabbitMQ:
			p.locker = NewRabbitLocker(cfg.MQ.RabbitMQ.URI)
		default:
			p.locker = NewLocalLocker()
		}
	}

	// 幂等中间件（可选启用）：提供 KV 或 Redis 参数即开启
	var jobIdem JobMiddleware
	if cfg.Idempotency.enabled() {
		idem := cfg.Idempotency
		if idem.KV == nil {
			rc := newRedisClient(idem.Redis)
			p.closers = append(p.closers, rc.Close)
			idem.KV = RedisKV{R: rc}
		}
		p.idem = &idem
		jobCfg := IdempotencyConfig{KV: idem.KV, TTL: idem.TTL}
		if idem.Prefix != "" {
			jobCfg.Prefix = idem.Prefix + ":job"
		}
		jobIdem = NewJobIdempotencyMiddleware(jobCfg)
	}

	p.subs = NewSubscriptionManager(p.logger)
	p.registry = NewHandlerRegistry(p.store, p.logger)
	p.registry.RegisterFactory(MQProviderRabbitMQ, p.mqFactory(func(c DomainConfig) (MQ, error) {
		return newRabbitMQAdapter(c.RabbitMQ, c.Retry, p.logger)
	}))
	p.registry.RegisterFactory(MQProviderRedis, p.mqFactory(func(c DomainConfig) (MQ, error) {
		return newRedisAdapter(c.Redis, p.logger)
	}))
	p.registry.RegisterFactory(MQProviderMemory, p.mqFactory(func(DomainConfig) (MQ, error) {
		return sharedMQ{p.memory()}, nil
	}))
	for typ, f := range p.factories {
		p.registry.RegisterFactory(typ, f)
	}

	if cfg.MQ.Provider != "" {
		raw, err := EncodeDomainConfig(cfg.MQ)
		if err != nil {
			p.closeResources(ctx)
			return nil, err
		}
		h, err := p.registry.Build(ctx, directHandleName, raw)
		if err != nil {
			p.closeResources(ctx)
			return nil, fmt.Errorf("build default transport: %w", err)
		}
		p.registry.Pin(h)
		p.direct = h
	}

	p.listener = NewSubscriber(statusListenerPrefix+p.nodeID, func(ctx context.Context, d Delivery) error {
		if d.Kind == DeliveryStatus {
			p.tracker.ApplyUpdate(d.Status)
		}
		return nil
	})
	p.workers = newWorkers(p)
	if jobIdem != nil {
		p.workers = withDefaultJobMiddleware(p.workers, jobIdem)
	}
	p.cron = newCron(p)
	p.housekeeping = newCronLocal(cfg.Cron, p.logger)
	p.logger.Info(ctx, "pipeline created", "node", p.nodeID, "default_transport", string(cfg.MQ.Provider))
	return p, nil
}

const (
	directHandleName     = "direct"
	statusListenerPrefix = "status-"
)

type pipeline struct {
	cfg    Config
	nodeID string
	logger Logger
	zl     *zap.Logger

	codecs *codecRegistry
	codec  Codec

	registry *HandlerRegistry
	tracker  *TaskTracker
	subs     *SubscriptionManager

	store     DomainStore
	auditor   Auditor
	locker    Locker
	factories map[MQProvider]HandleFactory
	idem      *IdempotencyConfig

	memOnce sync.Once
	mem     *memoryMQ
	direct  TransportHandle

	listener     Subscriber
	workers      Workers
	cron         Cron
	housekeeping *cronSvc

	mu        sync.Mutex
	started   bool
	closed    bool
	responses map[string]struct{}
	closers   []func() error
}

// Option 允许注入替换默认行为。
type Option func(*pipeline)

// WithLogger 注入自定义日志实现。
func WithLogger(l Logger) Option {
	return func(p *pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDomainStore 替换域配置存储。
func WithDomainStore(s DomainStore) Option {
	return func(p *pipeline) {
		if s != nil {
			p.store = s
		}
	}
}

// WithHandleFactory 注册（或覆盖内置的）某类型句柄工厂。
func WithHandleFactory(typ MQProvider, f HandleFactory) Option {
	return func(p *pipeline) {
		if f != nil {
			p.factories[typ] = f
		}
	}
}

func WithAuditor(a Auditor) Option {
	return func(p *pipeline) {
		if a != nil {
			p.auditor = a
		}
	}
}

// WithLocker 替换分布式 Cron 的 Leader 锁。
func WithLocker(l Locker) Option {
	return func(p *pipeline) {
		if l != nil {
			p.locker = l
		}
	}
}

// sharedMQ 进程内总线由管道统一关闭，句柄关闭时不释放它。
type sharedMQ struct{ *memoryMQ }

func (sharedMQ) Close(ctx context.Context) error { return nil }

func (p *pipeline) memory() *memoryMQ {
	p.memOnce.Do(func() { p.mem = newMemoryMQ(p.logger) })
	return p.mem
}

func (p *pipeline) mqFactory(build func(DomainConfig) (MQ, error)) HandleFactory {
	return func(ctx context.Context, name string, cfg DomainConfig) (TransportHandle, error) {
		mq, err := build(cfg)
		if err != nil {
			return nil, err
		}
		return newMQHandle(name, mq, p.codecs, p.logger, p.idem), nil
	}
}

func (p *pipeline) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// handleFor 解析队列的句柄：缓存 -> 显式配置 -> 域存储 -> 默认直连传输。
// 显式配置与域存储得到的句柄缓存在队列标识下；默认传输直接返回，不逐队列缓存。
func (p *pipeline) handleFor(ctx context.Context, queue, config string) (TransportHandle, error) {
	if queue == "" {
		return nil, ErrEmptyQueue
	}
	if h, ok := p.registry.Lookup(queue); ok {
		return h, nil
	}
	if config != "" {
		h, err := p.registry.Build(ctx, queue, config)
		if err != nil {
			return nil, fmt.Errorf("%w: queue %s: %v", ErrNoHandle, queue, err)
		}
		cur, stored := p.registry.PutIfAbsent(queue, h)
		if !stored {
			_ = h.Close(ctx)
		}
		return cur, nil
	}
	h, err := p.registry.Resolve(ctx, queue)
	if err == nil {
		return h, nil
	}
	if p.direct == nil {
		return nil, err
	}
	// 默认传输不按队列缓存，仅 Create*Queue 固定队列与句柄的绑定
	return p.direct, nil
}

// responseHandle 响应队列优先独立解析，否则与请求队列共用句柄。
func (p *pipeline) responseHandle(ctx context.Context, queue string, reqHandle TransportHandle) TransportHandle {
	resp := ResponseQueue(queue)
	if h, ok := p.registry.Lookup(resp); ok {
		return h
	}
	if h, err := p.registry.Resolve(ctx, resp); err == nil {
		return h
	}
	cur, _ := p.registry.PutIfAbsent(resp, reqHandle)
	return cur
}

func (p *pipeline) trackResponse(resp string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[resp] = struct{}{}
}

func (p *pipeline) audit(ctx context.Context, action, queue, detail string) {
	err := p.auditor.Audit(ctx, AuditEntry{Action: action, Queue: queue, Node: p.nodeID, Detail: detail, Time: time.Now()})
	if err != nil {
		p.logger.Warn(ctx, "audit write failed", "action", action, "queue", queue, "error", err.Error())
	}
}

func (p *pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if p.cfg.Tracker.SweepSpec != "-" {
		retention := p.cfg.Tracker.Retention
		_, err := p.housekeeping.Add(p.cfg.Tracker.SweepSpec, "tracker-sweep", func(ctx context.Context) error {
			if n := p.tracker.Sweep(retention); n > 0 {
				p.logger.Info(ctx, "swept finished tasks", "removed", n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := p.housekeeping.Start(ctx); err != nil {
		return err
	}
	return p.cron.Start(ctx)
}

func (p *pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	responses := make([]string, 0, len(p.responses))
	for q := range p.responses {
		responses = append(responses, q)
	}
	p.mu.Unlock()
	sort.Strings(responses)

	if err := p.cron.Stop(ctx); err != nil {
		p.logger.Warn(ctx, "stop cron failed", "error", err.Error())
	}
	if err := p.housekeeping.Stop(ctx); err != nil {
		p.logger.Warn(ctx, "stop housekeeping failed", "error", err.Error())
	}
	// 逐个失败已在 UnsubscribeAll 内记录
	_ = p.subs.UnsubscribeAll(ctx)
	for _, q := range responses {
		h, ok := p.registry.Lookup(q)
		if !ok {
			continue
		}
		if err := h.RemoveQueue(ctx, q); err != nil {
			p.logger.Warn(ctx, "remove response queue failed", "queue", q, "error", err.Error())
		}
	}
	p.closeResources(ctx)
	p.logger.Info(ctx, "pipeline closed", "node", p.nodeID)
	if p.zl != nil {
		_ = p.zl.Sync()
	}
	return nil
}

func (p *pipeline) closeResources(ctx context.Context) {
	if err := p.registry.Close(ctx); err != nil {
		p.logger.Warn(ctx, "close transport handles failed", "error", err.Error())
	}
	if p.mem != nil {
		if err := p.mem.Close(ctx); err != nil {
			p.logger.Warn(ctx, "close memory transport failed", "error", err.Error())
		}
	}
	for _, c := range p.closers {
		if err := c(); err != nil {
			p.logger.Warn(ctx, "close client failed", "error", err.Error())
		}
	}
}

func (p *pipeline) CreateBroadcastQueue(ctx context.Context, queue, config string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	h, err := p.handleFor(ctx, queue, config)
	if err != nil {
		return err
	}
	h, _ = p.registry.PutIfAbsent(queue, h)
	if err := h.CreateQueue(ctx, queue); err != nil {
		return err
	}
	p.audit(ctx, auditCreateQueue, queue, "broadcast")
	return nil
}

func (p *pipeline) CreateTaskQueue(ctx context.Context, queue, config string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	h, err := p.handleFor(ctx, queue, config)
	if err != nil {
		return err
	}
	h, _ = p.registry.PutIfAbsent(queue, h)
	resp := ResponseQueue(queue)
	rh, _ := p.registry.PutIfAbsent(resp, h)
	if err := h.CreateQueue(ctx, queue); err != nil {
		return err
	}
	if err := rh.CreateQueue(ctx, resp); err != nil {
		return err
	}
	p.trackResponse(resp)
	p.audit(ctx, auditCreateQueue, queue, "task")
	return nil
}

func (p *pipeline) RemoveBroadcastQueue(ctx context.Context, queue string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.removeQueue(ctx, queue, "broadcast")
}

func (p *pipeline) RemoveTaskQueue(ctx context.Context, queue string) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	resp := ResponseQueue(queue)
	err := errors.Join(p.removeQueue(ctx, queue, "task"), p.removeQueue(ctx, resp, "response"))
	p.mu.Lock()
	delete(p.responses, resp)
	p.mu.Unlock()
	return err
}

func (p *pipeline) removeQueue(ctx context.Context, queue, kind string) error {
	h, err := p.handleFor(ctx, queue, "")
	if err != nil {
		return err
	}
	if err := p.subs.DropQueue(ctx, queue); err != nil {
		p.logger.Warn(ctx, "drop subscriptions failed", "queue", queue, "error", err.Error())
	}
	if err := h.RemoveQueue(ctx, queue); err != nil {
		return err
	}
	if err := p.registry.Invalidate(ctx, queue); err != nil {
		p.logger.Warn(ctx, "close handle failed", "queue", queue, "error", err.Error())
	}
	p.audit(ctx, auditRemoveQueue, queue, kind)
	return nil
}

func (p *pipeline) BroadcastMessage(ctx context.Context, queue string, payload []byte) (bool, error) {
	return p.broadcast(ctx, queue, payload, map[string]string{}, 0)
}

func (p *pipeline) BroadcastTask(ctx context.Context, queue string, v any) (bool, error) {
	body, err := p.codec.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode task for %s: %w", queue, err)
	}
	return p.broadcast(ctx, queue, body, map[string]string{headerContentType: p.codec.ContentType()}, 0)
}

func (p *pipeline) BroadcastMessageToAll(ctx context.Context, payload []byte) error {
	queue := p.cfg.Pipeline.BroadcastQueue
	ok, err := p.broadcast(ctx, queue, payload, map[string]string{}, 0)
	if err != nil {
		return fmt.Errorf("broadcast to all via %s: %w", queue, err)
	}
	if !ok {
		p.logger.Error(ctx, "cluster broadcast queue has no handle", "queue", queue)
		return fmt.Errorf("%w: %s", ErrBroadcastUnavailable, queue)
	}
	p.audit(ctx, auditBroadcastAll, queue, fmt.Sprintf("%d bytes", len(payload)))
	return nil
}

func (p *pipeline) encodeStatus(st TaskStatus) ([]byte, map[string]string, error) {
	body, err := p.codec.Marshal(st)
	if err != nil {
		return nil, nil, fmt.Errorf("encode status of task %s: %w", st.TaskID, err)
	}
	return body, map[string]string{headerKind: DeliveryStatus.String(), headerContentType: p.codec.ContentType()}, nil
}

func (p *pipeline) PublishTask(ctx context.Context, queue string, payload []byte, timeout time.Duration, sub Subscriber) (TaskStatus, error) {
	if err := p.checkOpen(); err != nil {
		return TaskStatus{}, err
	}
	h, err := p.handleFor(ctx, queue, "")
	if err != nil {
		return TaskStatus{}, err
	}
	st, err := p.tracker.Create(uuid.NewString())
	if err != nil {
		p.logger.Error(ctx, "task id collision", "queue", queue, "error", err.Error())
		return TaskStatus{}, err
	}
	if sub == nil {
		sub = p.listener
	}
	resp := ResponseQueue(queue)
	if _, err := p.subs.EnsureSubscribed(ctx, resp, p.responseHandle(ctx, queue, h), sub); err != nil {
		p.tracker.Remove(st.TaskID)
		return st, fmt.Errorf("listen on %s for task %s: %w", resp, st.TaskID, err)
	}
	p.trackResponse(resp)

	envelope := st.clone()
	envelope.Input = payload
	body, headers, err := p.encodeStatus(envelope)
	if err != nil {
		p.tracker.Remove(st.TaskID)
		return st, err
	}
	if err := h.Publish(ctx, queue, body, headers); err != nil {
		p.tracker.Remove(st.TaskID)
		return st, fmt.Errorf("publish task %s: %w", st.TaskID, err)
	}
	if timeout <= 0 {
		return st, nil
	}
	cur, ok := p.tracker.Await(ctx, st.TaskID, timeout)
	if !ok {
		// 等待开始前已被 DELETED 移除
		st.CurrentState = TaskDeleted
		return st, nil
	}
	return cur, nil
}

func (p *pipeline) PublishTaskResponse(ctx context.Context, queue string, st TaskStatus) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	resp := ResponseQueue(queue)
	h, err := p.handleFor(ctx, resp, "")
	if err != nil {
		p.logger.Error(ctx, "task response has no handle", "queue", resp, "task", st.TaskID, "error", err.Error())
		return err
	}
	body, headers, err := p.encodeStatus(st)
	if err != nil {
		return err
	}
	if err := h.Publish(ctx, resp, body, headers); err != nil {
		p.logger.Error(ctx, "publish task response failed", "queue", resp, "task", st.TaskID, "state", string(st.CurrentState), "error", err.Error())
		return err
	}
	return nil
}

func (p *pipeline) GetStatus(taskID string) (TaskStatus, bool) { return p.tracker.Get(taskID) }

func (p *pipeline) ListTasks() []TaskStatus { return p.tracker.List() }

func (p *pipeline) AwaitTask(ctx context.Context, taskID string, timeout time.Duration) (TaskStatus, bool) {
	return p.tracker.Await(ctx, taskID, timeout)
}

// RemoveTask 确认完成后移除本地跟踪记录。
func (p *pipeline) RemoveTask(taskID string) bool { return p.tracker.Remove(taskID) }

func (p *pipeline) SubscribeToQueue(ctx context.Context, queue string, sub Subscriber) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	h, err := p.handleFor(ctx, queue, "")
	if err != nil {
		return err
	}
	_, err = p.subs.EnsureSubscribed(ctx, queue, h, sub)
	return err
}

// UnsubscribeQueue 取消订阅；队列无可解析句柄时返回 ErrNoHandle，未订阅时为空操作。
func (p *pipeline) UnsubscribeQueue(ctx context.Context, queue string, sub Subscriber) error {
	if sub == nil {
		return fmt.Errorf("unsubscribe from %s: nil subscriber", queue)
	}
	if !p.subs.IsSubscribed(queue, sub.ID()) {
		if _, err := p.handleFor(ctx, queue, ""); err != nil {
			return err
		}
	}
	_, err := p.subs.Unsubscribe(ctx, queue, sub)
	return err
}

func (p *pipeline) RegisterDomain(ctx context.Context, name, config string) error {
	return p.registry.RegisterDomain(ctx, name, config)
}

func (p *pipeline) DeleteDomain(ctx context.Context, name string) error {
	return p.registry.DeleteDomain(ctx, name)
}

func (p *pipeline) Workers() Workers { return p.workers }
func (p *pipeline) Cron() Cron       { return p.cron }
