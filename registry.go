package taskpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// HandleFactory 按域配置构建 TransportHandle；以配置中的 type 选择。
type HandleFactory func(ctx context.Context, name string, cfg DomainConfig) (TransportHandle, error)

// HandlerRegistry 将队列标识解析为 TransportHandle：命中缓存直接返回，
// 否则从 DomainStore 读取同名域配置构建并缓存。句柄归注册表所有。
type HandlerRegistry struct {
	store  DomainStore
	logger Logger

	mu        sync.RWMutex
	handles   map[string]TransportHandle
	pinned    map[TransportHandle]struct{}
	factories map[MQProvider]HandleFactory
}

func NewHandlerRegistry(store DomainStore, logger Logger) *HandlerRegistry {
	if store == nil {
		store = NewMemoryDomainStore()
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &HandlerRegistry{
		store:     store,
		logger:    logger,
		handles:   map[string]TransportHandle{},
		pinned:    map[TransportHandle]struct{}{},
		factories: map[MQProvider]HandleFactory{},
	}
}

// RegisterFactory 注册（或替换）某类型的句柄工厂。
func (r *HandlerRegistry) RegisterFactory(typ MQProvider, f HandleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Pin 登记一个长期句柄（如默认直连传输）：Invalidate 不关闭它，Close 时关闭。
func (r *HandlerRegistry) Pin(h TransportHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[h] = struct{}{}
}

// Lookup 仅查缓存。
func (r *HandlerRegistry) Lookup(queue string) (TransportHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[queue]
	return h, ok
}

// Resolve 返回队列的句柄；无域配置、配置非法或构建失败时返回包装 ErrNoHandle 的错误，且不缓存。
// 构建与写入缓存在注册表写锁内完成，同一标识并发解析只构建一次。
func (r *HandlerRegistry) Resolve(ctx context.Context, queue string) (TransportHandle, error) {
	if h, ok := r.Lookup(queue); ok {
		return h, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[queue]; ok {
		return h, nil
	}
	d, ok, err := r.store.ReadDomain(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("%w: queue %s: %v", ErrNoHandle, queue, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: queue %s: no domain", ErrNoHandle, queue)
	}
	h, err := r.buildLocked(ctx, d.Name, d.Config)
	if err != nil {
		r.logger.Error(ctx, "build handle from domain failed", "queue", queue, "domain", d.Name, "error", err.Error())
		return nil, fmt.Errorf("%w: queue %s: %v", ErrNoHandle, queue, err)
	}
	r.handles[queue] = h
	r.logger.Info(ctx, "transport handle created", "queue", queue, "domain", d.Name)
	return h, nil
}

// Build 按配置构建句柄但不缓存。
func (r *HandlerRegistry) Build(ctx context.Context, name, config string) (TransportHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buildLocked(ctx, name, config)
}

func (r *HandlerRegistry) buildLocked(ctx context.Context, name, config string) (TransportHandle, error) {
	cfg, err := ParseDomainConfig(config)
	if err != nil {
		return nil, err
	}
	f, ok := r.factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomainType, cfg.Provider)
	}
	return f(ctx, name, cfg)
}

// PutIfAbsent 将句柄缓存到队列标识下；已存在时返回已有句柄与 false。
func (r *HandlerRegistry) PutIfAbsent(queue string, h TransportHandle) (TransportHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[queue]; ok {
		return cur, false
	}
	r.handles[queue] = h
	return h, true
}

// Invalidate 移除缓存项；若句柄不再被任何标识引用则关闭它。
func (r *HandlerRegistry) Invalidate(ctx context.Context, queue string) error {
	r.mu.Lock()
	h, ok := r.handles[queue]
	delete(r.handles, queue)
	_, shared := r.pinned[h]
	if ok && !shared {
		for _, other := range r.handles {
			if other == h {
				shared = true
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok || shared {
		return nil
	}
	return h.Close(ctx)
}

// RegisterDomain 校验并写入域配置（覆盖写）。已缓存的句柄保持不变（其上可能有活跃订阅），
// 新配置在该标识下次被解析时生效。
func (r *HandlerRegistry) RegisterDomain(ctx context.Context, name, config string) error {
	if name == "" {
		return ErrEmptyQueue
	}
	if _, err := ParseDomainConfig(config); err != nil {
		return fmt.Errorf("register domain %s: %w", name, err)
	}
	return r.store.WriteDomain(ctx, ExchangeDomain{Name: name, Config: config})
}

func (r *HandlerRegistry) DeleteDomain(ctx context.Context, name string) error {
	return r.store.DeleteDomain(ctx, name)
}

// Close 关闭全部句柄（同一句柄只关闭一次）。
func (r *HandlerRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	handles := r.handles
	r.handles = map[string]TransportHandle{}
	for h := range r.pinned {
		handles["(pinned) "+h.Name()] = h
	}
	r.pinned = map[TransportHandle]struct{}{}
	r.mu.Unlock()
	seen := map[TransportHandle]struct{}{}
	var errs []error
	for q, h := range handles {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		if err := h.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close handle for %s: %w", q, err))
		}
	}
	return errors.Join(errs...)
}
