package taskpipe

import (
	"context"
	"math"
	"time"
)

// Message 为统一消息结构。
type Message struct {
	Topic   string
	Key     string
	Body    []byte
	Headers map[string]string
}

// Handler 处理 MQ 消息。
type Handler func(ctx context.Context, msg Message) error

// RetryPolicy 定义重试策略。
type RetryPolicy interface {
	NextBackoff(attempt int) (time.Duration, bool)
}

// Producer 统一发布接口。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	PublishDelay(ctx context.Context, msg Message, delay time.Duration) error
}

// Consumer 统一消费接口。
type Consumer interface {
	// Consume 订阅 topic，group 为消费组：不同组各收一份，同组竞争消费；返回停止函数。
	// 停止函数取消传给 handler 的 ctx；在该消费者自身的 handler 内调用时不等待其退出。
	Consume(ctx context.Context, topic, group string, handler Handler, mws ...Middleware) (stop func(context.Context) error, err error)
}

// QueueAdmin 为可选能力：显式声明/删除队列。未实现时按需隐式创建。
type QueueAdmin interface {
	DeclareQueue(ctx context.Context, topic string) error
	DeleteQueue(ctx context.Context, topic string) error
}

// MQ 聚合 Producer 与 Consumer，并暴露 Close 以释放资源。
type MQ interface {
	Producer
	Consumer
	Close(ctx context.Context) error
}

// defaultGroup 为未指定消费组时使用的组名。
const defaultGroup = "default"

// ExponentialBackoff 简单指数回退策略。
type ExponentialBackoff struct {
	Base       time.Duration
	Factor     float64
	MaxRetries int
}

func (e ExponentialBackoff) NextBackoff(attempt int) (time.Duration, bool) {
	if attempt >= e.MaxRetries {
		return 0, false
	}
	d := time.Duration(float64(e.Base) * math.Pow(e.Factor, float64(attempt)))
	return d, true
}

func newRetryPolicy(cfg RetryConfig) ExponentialBackoff {
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}
	return ExponentialBackoff{Base: cfg.Base, Factor: cfg.Factor, MaxRetries: cfg.MaxRetries}
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}

func chain(h Handler, mws []Middleware) Handler {
	final := h
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}

// consumerTag 标识一个消费者；放入 handler ctx，供停止函数识别自身回调内的调用。
type consumerTag struct{ _ byte }

type consumerTagKey struct{}

func withConsumerTag(ctx context.Context, tag *consumerTag) context.Context {
	return context.WithValue(ctx, consumerTagKey{}, tag)
}

// calledFromConsumer 报告 ctx 是否来自 tag 所属消费者的 handler。
func calledFromConsumer(ctx context.Context, tag *consumerTag) bool {
	v, _ := ctx.Value(consumerTagKey{}).(*consumerTag)
	return v == tag
}
