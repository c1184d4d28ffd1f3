package taskpipe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnroutable 表示消息在交换机上没有匹配的队列（无订阅者）。
var ErrUnroutable = errors.New("taskpipe: message unroutable")

// returnWait 发布后等待 basic.return / channel close 的窗口。
const returnWait = 100 * time.Millisecond

// rabbitMQAdapter 实现 MQ 与 QueueAdmin。topic 为路由键，每个消费组一条持久队列（topic-group）。
// 延时发布可使用 x-delayed-message 插件（standard），或阿里云 delay 头（aliyun）。
type rabbitMQAdapter struct {
	cfg    RabbitMQConfig
	retry  ExponentialBackoff
	logger Logger
	mode   DelayMode

	conn   *amqp.Connection
	connMu sync.Mutex

	qMu    sync.Mutex
	queues map[string]map[string]struct{} // topic -> 已声明的组队列
}

func newRabbitMQAdapter(cfg RabbitMQConfig, retry RetryConfig, logger Logger) (MQ, error) {
	if cfg.URI == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("%w: rabbitmq uri and exchange required", ErrInvalidDomain)
	}
	mode := cfg.DelayMode
	if mode == "" {
		mode = DelayModeStandard
	}
	ad := &rabbitMQAdapter{cfg: cfg, mode: mode, retry: newRetryPolicy(retry), logger: logger, queues: map[string]map[string]struct{}{}}
	if err := ad.ensureConnection(); err != nil {
		return nil, err
	}
	if err := ad.declareTopology(); err != nil {
		_ = ad.conn.Close()
		return nil, err
	}
	return ad, nil
}

func (r *rabbitMQAdapter) ensureConnection() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return nil
	}
	// amqp.Dial 自动支持 amqp:// 和 amqps://
	conn, err := amqp.Dial(r.cfg.URI)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	r.conn = conn
	return nil
}

func (r *rabbitMQAdapter) channel() (*amqp.Channel, error) {
	if err := r.ensureConnection(); err != nil {
		return nil, err
	}
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}
	return ch, nil
}

func (r *rabbitMQAdapter) declareTopology() error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	r.logger.Info(context.Background(), "declare exchange", "exchange", r.cfg.Exchange)
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	// 延时交换机仅在 standard 模式下声明，且为可选
	if r.mode == DelayModeStandard && r.cfg.DelayedExchange != "" {
		args := amqp.Table{"x-delayed-type": "topic"}
		r.logger.Info(context.Background(), "declare delayed exchange", "exchange", r.cfg.DelayedExchange)
		if err := ch.ExchangeDeclare(r.cfg.DelayedExchange, "x-delayed-message", true, false, false, false, args); err != nil {
			return err
		}
	}
	return nil
}

// DeclareQueue 仅确保交换机拓扑存在；组队列在 Consume 时声明。
func (r *rabbitMQAdapter) DeclareQueue(ctx context.Context, topic string) error {
	return r.declareTopology()
}

// DeleteQueue 删除本实例为 topic 声明过的全部组队列。
func (r *rabbitMQAdapter) DeleteQueue(ctx context.Context, topic string) error {
	r.qMu.Lock()
	names := r.queues[topic]
	delete(r.queues, topic)
	r.qMu.Unlock()
	if len(names) == 0 {
		return nil
	}
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	var errs []error
	for name := range names {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			errs = append(errs, fmt.Errorf("delete queue %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *rabbitMQAdapter) Publish(ctx context.Context, msg Message) error {
	return r.publish(ctx, r.cfg.Exchange, msg, stringMapToTable(msg.Headers))
}

func (r *rabbitMQAdapter) publish(ctx context.Context, exchange string, msg Message, headers amqp.Table) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// 监听 Channel 关闭和消息退回（用于检测阿里云 Serverless 的特殊错误）
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))
	rets := ch.NotifyReturn(make(chan amqp.Return, 1))

	err = ch.PublishWithContext(ctx, exchange, msg.Topic, true, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		MessageId:   msg.Key,
		Timestamp:   time.Now(),
		Headers:     headers,
		Body:        msg.Body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed (topic=%s): %w", msg.Topic, err)
	}

	select {
	case ret := <-rets:
		return fmt.Errorf("%w: topic %s: %s (code=%d)", ErrUnroutable, msg.Topic, ret.ReplyText, ret.ReplyCode)
	case closeErr := <-closeChan:
		return fmt.Errorf("channel closed immediately after publish: %w", closeErr)
	case <-time.After(returnWait):
	}
	return nil
}

func (r *rabbitMQAdapter) PublishDelay(ctx context.Context, msg Message, delay time.Duration) error {
	headers := stringMapToTable(msg.Headers)
	if headers == nil {
		headers = amqp.Table{}
	}
	ms := int64(delay / time.Millisecond)
	if r.mode == DelayModeAliyun {
		// 直接发布到普通交换机，使用 delay 字段
		headers["delay"] = strconv.FormatInt(ms, 10)
		return r.publish(ctx, r.cfg.Exchange, msg, headers)
	}
	if r.cfg.DelayedExchange == "" {
		return fmt.Errorf("delayed exchange required in standard mode")
	}
	// standard: 发布到延时交换机，使用 x-delay
	headers["x-delay"] = ms
	return r.publish(ctx, r.cfg.DelayedExchange, msg, headers)
}

func (r *rabbitMQAdapter) Consume(ctx context.Context, topic, group string, handler Handler, mws ...Middleware) (func(context.Context) error, error) {
	if group == "" {
		group = defaultGroup
	}
	ch, err := r.channel()
	if err != nil {
		return nil, err
	}
	// 注意：关闭在 stop 时处理
	if r.cfg.Prefetch > 0 {
		_ = ch.Qos(r.cfg.Prefetch, 0, false)
	}
	qName := fmt.Sprintf("%s-%s", sanitizeQueueName(topic), sanitizeQueueName(group))
	q, err := ch.QueueDeclare(qName, true, false, false, false, amqp.Table{})
	if err != nil {
		ch.Close()
		return nil, err
	}
	r.logger.Info(ctx, "queue bind", "queue", q.Name, "exchange", r.cfg.Exchange, "binding_key", topic)
	if err := ch.QueueBind(q.Name, topic, r.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	if r.mode == DelayModeStandard && r.cfg.DelayedExchange != "" {
		r.logger.Info(ctx, "queue bind", "queue", q.Name, "exchange", r.cfg.DelayedExchange, "binding_key", topic)
		if err := ch.QueueBind(q.Name, topic, r.cfg.DelayedExchange, false, nil); err != nil {
			ch.Close()
			return nil, err
		}
	}
	r.qMu.Lock()
	if r.queues[topic] == nil {
		r.queues[topic] = map[string]struct{}{}
	}
	r.queues[topic][q.Name] = struct{}{}
	r.qMu.Unlock()

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))
	final := chain(handler, mws)

	done := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	tag := &consumerTag{}
	hctx := withConsumerTag(cctx, tag)
	go func() {
		defer close(done)
		// 在途消息处理完（已 ACK/Nack）后再关闭 channel
		defer func() {
			if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				r.logger.Warn(ctx, "rabbitmq channel close failed", "queue", q.Name, "error", err.Error())
			}
		}()
		defer cancel()
		concurrency := r.cfg.ConsumerConcurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		wg := &sync.WaitGroup{}
		defer wg.Wait()
		sem := make(chan struct{}, concurrency)
		for {
			select {
			case <-cctx.Done():
				return
			case err := <-closeChan:
				if err != nil {
					r.logger.Error(ctx, "rabbitmq channel closed by server", "queue", q.Name, "error", err.Error())
				}
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-cctx.Done():
					_ = d.Nack(false, true)
					return
				}
				wg.Add(1)
				go func(del amqp.Delivery) {
					defer func() { <-sem; wg.Done() }()
					m := Message{Topic: del.RoutingKey, Key: del.MessageId, Body: del.Body, Headers: tableToStringMap(del.Headers)}
					if t := m.Headers["x-topic"]; t != "" {
						m.Topic = t
					}
					if err := final(hctx, m); err != nil {
						r.redeliver(cctx, q.Name, del, m, err)
						return
					}
					_ = del.Ack(false)
				}(d)
			}
		}
	}()

	stop := func(sctx context.Context) error {
		cancel()
		if calledFromConsumer(sctx, tag) {
			return nil
		}
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

// redeliver 失败时按退避等待后经默认交换机直投回本组队列（不再扇出到其他组），
// 重投成功后 ACK 原消息，重投失败则 Nack 重新入队；超过最大重试则 ACK 丢弃。
func (r *rabbitMQAdapter) redeliver(ctx context.Context, queue string, del amqp.Delivery, m Message, cause error) {
	attempt := 0
	if s, ok := m.Headers["x-retry-count"]; ok {
		if n, e := strconv.Atoi(s); e == nil {
			attempt = n
		}
	}
	delay, ok := r.retry.NextBackoff(attempt)
	if !ok {
		r.logger.Error(ctx, "message dropped after retries", "topic", m.Topic, "attempt", attempt, "error", cause.Error())
		_ = del.Ack(false)
		return
	}
	select {
	case <-ctx.Done():
		_ = del.Nack(false, true)
		return
	case <-time.After(delay):
	}
	h := copyHeaders(m.Headers)
	h["x-retry-count"] = strconv.Itoa(attempt + 1)
	h["x-topic"] = m.Topic
	retryMsg := Message{Topic: queue, Key: m.Key, Body: m.Body}
	if err := r.publish(ctx, "", retryMsg, stringMapToTable(h)); err == nil {
		_ = del.Ack(false)
		return
	}
	_ = del.Nack(false, true)
}

func (r *rabbitMQAdapter) Close(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}

func stringMapToTable(m map[string]string) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range m {
		t[k] = v
	}
	return t
}

func tableToStringMap(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	m := make(map[string]string, len(t))
	for k, v := range t {
		switch vv := v.(type) {
		case string:
			m[k] = vv
		case int32, int64, int:
			m[k] = fmt.Sprintf("%v", vv)
		}
	}
	return m
}

// sanitizeQueueName 去除队列名中的非法字符。
func sanitizeQueueName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case ' ', '*', '#', '/':
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return "q"
	}
	return string(out)
}
