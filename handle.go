package taskpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryKind 投递类型：原始事件或任务状态更新。
type DeliveryKind int

const (
	DeliveryEvent DeliveryKind = iota + 1
	DeliveryStatus
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliveryEvent:
		return "event"
	case DeliveryStatus:
		return "status"
	default:
		return "unknown"
	}
}

const (
	headerKind        = "x-kind"
	headerContentType = "content-type"
	headerEventType   = "x-event-type"
)

// Delivery 一次投递。Kind 为 DeliveryStatus 时 Status 有效，否则 Body 为原始负载。
type Delivery struct {
	Kind    DeliveryKind
	Queue   string
	Key     string
	Body    []byte
	Status  TaskStatus
	Headers map[string]string
}

// EventType 返回发布时附带的事件类型（可为空）。
func (d Delivery) EventType() string { return d.Headers[headerEventType] }

// Subscriber 队列订阅者；同一队列上 ID 唯一。
// 不同 ID 各收一份（广播），相同 ID 的多个实例竞争消费。
type Subscriber interface {
	ID() string
	Deliver(ctx context.Context, d Delivery) error
}

type funcSubscriber struct {
	id string
	fn func(ctx context.Context, d Delivery) error
}

func (f funcSubscriber) ID() string                                    { return f.id }
func (f funcSubscriber) Deliver(ctx context.Context, d Delivery) error { return f.fn(ctx, d) }

// NewSubscriber 以函数构造订阅者。
func NewSubscriber(id string, fn func(ctx context.Context, d Delivery) error) Subscriber {
	return funcSubscriber{id: id, fn: fn}
}

// TransportHandle 包装一个物理传输连接，可服务多个队列。
type TransportHandle interface {
	Name() string
	CreateQueue(ctx context.Context, queue string) error
	RemoveQueue(ctx context.Context, queue string) error
	Publish(ctx context.Context, queue string, payload []byte, headers map[string]string) error
	// PublishDelay 延时发布；delay <= 0 等同 Publish。
	PublishDelay(ctx context.Context, queue string, payload []byte, headers map[string]string, delay time.Duration) error
	Subscribe(ctx context.Context, queue string, sub Subscriber) error
	Unsubscribe(ctx context.Context, queue string, sub Subscriber) error
	Close(ctx context.Context) error
}

type subKey struct{ queue, id string }

// mqHandle 在 MQ 之上实现 TransportHandle：订阅者 ID 即消费组。
type mqHandle struct {
	name   string
	mq     MQ
	codecs *codecRegistry
	logger Logger
	idem   *IdempotencyConfig

	mu    sync.Mutex
	stops map[subKey]func(context.Context) error
}

// newMQHandle 包装 MQ；idem 非空时每个订阅者（消费组）各自做幂等去重。
func newMQHandle(name string, mq MQ, codecs *codecRegistry, logger Logger, idem *IdempotencyConfig) *mqHandle {
	return &mqHandle{name: name, mq: mq, codecs: codecs, logger: logger, idem: idem, stops: map[subKey]func(context.Context) error{}}
}

func (h *mqHandle) middlewares(group string) []Middleware {
	if h.idem == nil {
		return nil
	}
	cfg := *h.idem
	if cfg.Prefix == "" {
		cfg.Prefix = "tp:idem"
	}
	cfg.Prefix += ":" + group
	return []Middleware{NewIdempotencyMiddleware(cfg)}
}

func (h *mqHandle) Name() string { return h.name }

func (h *mqHandle) CreateQueue(ctx context.Context, queue string) error {
	if admin, ok := h.mq.(QueueAdmin); ok {
		if err := admin.DeclareQueue(ctx, queue); err != nil {
			return fmt.Errorf("create queue %s on %s: %w", queue, h.name, err)
		}
	}
	return nil
}

func (h *mqHandle) RemoveQueue(ctx context.Context, queue string) error {
	if admin, ok := h.mq.(QueueAdmin); ok {
		if err := admin.DeleteQueue(ctx, queue); err != nil {
			return fmt.Errorf("remove queue %s on %s: %w", queue, h.name, err)
		}
	}
	return nil
}

// Publish 发布到队列；无任何订阅者（不可路由）不视为错误。
func (h *mqHandle) Publish(ctx context.Context, queue string, payload []byte, headers map[string]string) error {
	msg := Message{Topic: queue, Key: uuid.NewString(), Body: payload, Headers: copyHeaders(headers)}
	if err := h.mq.Publish(ctx, msg); err != nil {
		if errors.Is(err, ErrUnroutable) {
			h.logger.Warn(ctx, "message has no subscriber", "queue", queue, "handle", h.name)
			return nil
		}
		return fmt.Errorf("publish to %s on %s: %w", queue, h.name, err)
	}
	return nil
}

func (h *mqHandle) PublishDelay(ctx context.Context, queue string, payload []byte, headers map[string]string, delay time.Duration) error {
	if delay <= 0 {
		return h.Publish(ctx, queue, payload, headers)
	}
	msg := Message{Topic: queue, Key: uuid.NewString(), Body: payload, Headers: copyHeaders(headers)}
	if err := h.mq.PublishDelay(ctx, msg, delay); err != nil {
		return fmt.Errorf("publish delayed to %s on %s: %w", queue, h.name, err)
	}
	return nil
}

func (h *mqHandle) Subscribe(ctx context.Context, queue string, sub Subscriber) error {
	key := subKey{queue: queue, id: sub.ID()}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.stops[key]; ok {
		return nil
	}
	// 订阅生命周期独立于调用方 ctx，由 Unsubscribe/Close 结束
	stop, err := h.mq.Consume(context.Background(), queue, sub.ID(), h.deliverTo(queue, sub), h.middlewares(sub.ID())...)
	if err != nil {
		return fmt.Errorf("subscribe %s to %s on %s: %w", sub.ID(), queue, h.name, err)
	}
	h.stops[key] = stop
	return nil
}

func (h *mqHandle) Unsubscribe(ctx context.Context, queue string, sub Subscriber) error {
	key := subKey{queue: queue, id: sub.ID()}
	h.mu.Lock()
	stop, ok := h.stops[key]
	delete(h.stops, key)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if err := stop(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s from %s on %s: %w", sub.ID(), queue, h.name, err)
	}
	return nil
}

func (h *mqHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	stops := h.stops
	h.stops = map[subKey]func(context.Context) error{}
	h.mu.Unlock()
	for k, stop := range stops {
		if err := stop(ctx); err != nil {
			h.logger.Warn(ctx, "stop subscription failed", "queue", k.queue, "subscriber", k.id, "error", err.Error())
		}
	}
	return h.mq.Close(ctx)
}

// deliverTo 将 MQ 消息解码为 Delivery 并交给订阅者；解码失败的消息记录后丢弃。
func (h *mqHandle) deliverTo(queue string, sub Subscriber) Handler {
	return func(ctx context.Context, m Message) error {
		d := Delivery{Kind: DeliveryEvent, Queue: queue, Key: m.Key, Body: m.Body, Headers: m.Headers}
		if m.Headers[headerKind] == DeliveryStatus.String() {
			codec, err := h.codecs.get(m.Headers[headerContentType])
			if err != nil {
				h.logger.Error(ctx, "drop status with unknown codec", "queue", queue, "error", err.Error())
				return nil
			}
			var st TaskStatus
			if err := codec.Unmarshal(m.Body, &st); err != nil {
				h.logger.Error(ctx, "drop undecodable status", "queue", queue, "error", err.Error())
				return nil
			}
			d.Kind = DeliveryStatus
			d.Status = st
		}
		return sub.Deliver(ctx, d)
	}
}
