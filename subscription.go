package taskpipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Subscription 一条已建立的订阅：队列、订阅者与承载它的传输句柄。
type Subscription struct {
	Queue      string
	Subscriber Subscriber
	Handle     TransportHandle
}

type queueSubs struct {
	mu      sync.Mutex
	subs    map[string]Subscription  // subscriber id -> 订阅
	leaving map[string]chan struct{} // 正在传输层退订的 id，完成时关闭
}

// SubscriptionManager 按队列维护订阅者集合，保证同一 (queue, id) 至多一次传输层订阅。
// 订阅时成员检查与传输调用在该队列的锁内完成；退订先移除登记、释放锁后再调用传输层，
// 因此订阅者可以在自身回调内退订。不同队列互不阻塞。
type SubscriptionManager struct {
	logger Logger

	mu     sync.Mutex
	queues map[string]*queueSubs
}

func NewSubscriptionManager(logger Logger) *SubscriptionManager {
	if logger == nil {
		logger = defaultLogger()
	}
	return &SubscriptionManager{logger: logger, queues: map[string]*queueSubs{}}
}

func (m *SubscriptionManager) queue(name string) *queueSubs {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = &queueSubs{subs: map[string]Subscription{}, leaving: map[string]chan struct{}{}}
		m.queues[name] = q
	}
	return q
}

// EnsureSubscribed 若该身份尚未订阅则在 handle 上订阅并登记；返回是否新建了订阅。
func (m *SubscriptionManager) EnsureSubscribed(ctx context.Context, queue string, h TransportHandle, sub Subscriber) (bool, error) {
	if queue == "" {
		return false, ErrEmptyQueue
	}
	if sub == nil || sub.ID() == "" {
		return false, fmt.Errorf("subscribe to %s: subscriber id must not be empty", queue)
	}
	q := m.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	// 同一 id 的上一次退订尚未完成时等待，避免与其传输层退订交错
	for {
		wait, ok := q.leaving[sub.ID()]
		if !ok {
			break
		}
		q.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			q.mu.Lock()
			return false, ctx.Err()
		}
		q.mu.Lock()
	}
	if _, ok := q.subs[sub.ID()]; ok {
		return false, nil
	}
	if err := h.Subscribe(ctx, queue, sub); err != nil {
		return false, err
	}
	q.subs[sub.ID()] = Subscription{Queue: queue, Subscriber: sub, Handle: h}
	return true, nil
}

// Unsubscribe 移除登记并在原句柄上取消订阅；未登记时返回 false。
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, queue string, sub Subscriber) (bool, error) {
	if sub == nil {
		return false, fmt.Errorf("unsubscribe from %s: nil subscriber", queue)
	}
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	q.mu.Lock()
	s, ok := q.subs[sub.ID()]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	done := q.detachLocked(sub.ID())
	q.mu.Unlock()
	return true, q.release(ctx, s, done)
}

// DropQueue 取消某队列上的全部订阅并移除其登记。
func (m *SubscriptionManager) DropQueue(ctx context.Context, queue string) error {
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	type pending struct {
		sub  Subscription
		done chan struct{}
	}
	q.mu.Lock()
	all := make([]pending, 0, len(q.subs))
	for id, s := range q.subs {
		all = append(all, pending{sub: s, done: q.detachLocked(id)})
	}
	q.mu.Unlock()
	var errs []error
	for _, p := range all {
		if err := q.release(ctx, p.sub, p.done); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// detachLocked 移除登记并标记 id 正在退订，返回完成时需关闭的通道。
func (q *queueSubs) detachLocked(id string) chan struct{} {
	delete(q.subs, id)
	done := make(chan struct{})
	q.leaving[id] = done
	return done
}

// release 在锁外调用传输层退订，完成后解除 leaving 标记。
func (q *queueSubs) release(ctx context.Context, s Subscription, done chan struct{}) error {
	err := s.Handle.Unsubscribe(ctx, s.Queue, s.Subscriber)
	q.mu.Lock()
	if q.leaving[s.Subscriber.ID()] == done {
		delete(q.leaving, s.Subscriber.ID())
	}
	q.mu.Unlock()
	close(done)
	return err
}

func (m *SubscriptionManager) IsSubscribed(queue, id string) bool {
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok = q.subs[id]
	return ok
}

// Subscriptions 返回当前全部订阅的快照，按队列与订阅者排序。
func (m *SubscriptionManager) Subscriptions() []Subscription {
	m.mu.Lock()
	qs := make([]*queueSubs, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.Unlock()
	var out []Subscription
	for _, q := range qs {
		q.mu.Lock()
		for _, s := range q.subs {
			out = append(out, s)
		}
		q.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queue == out[j].Queue {
			return out[i].Subscriber.ID() < out[j].Subscriber.ID()
		}
		return out[i].Queue < out[j].Queue
	})
	return out
}

// UnsubscribeAll 取消全部订阅；逐个尝试，失败记录日志并汇总返回。
func (m *SubscriptionManager) UnsubscribeAll(ctx context.Context) error {
	var errs []error
	for _, s := range m.Subscriptions() {
		if _, err := m.Unsubscribe(ctx, s.Queue, s.Subscriber); err != nil {
			m.logger.Warn(ctx, "unsubscribe failed", "queue", s.Queue, "subscriber", s.Subscriber.ID(), "error", err.Error())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
