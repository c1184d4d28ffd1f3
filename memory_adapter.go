package taskpipe

import (
	"context"
	"sync"
	"time"
)

const memConsumerBuffer = 256

// memoryMQ 进程内 MQ：每个消费组收到一份，组内按轮询分配给消费者。
// 每个消费者一个 goroutine 顺序处理，保证组内单消费者 FIFO。
type memoryMQ struct {
	logger Logger

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
	stopCh chan struct{}

	wg sync.WaitGroup
}

type memTopic struct {
	groups map[string]*memGroup
}

type memGroup struct {
	consumers []*memConsumer
	next      int
}

type memConsumer struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
	exit chan struct{}
}

func newMemoryMQ(logger Logger) *memoryMQ {
	if logger == nil {
		logger = defaultLogger()
	}
	return &memoryMQ{logger: logger, topics: map[string]*memTopic{}, stopCh: make(chan struct{})}
}

func (m *memoryMQ) topicLocked(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{groups: map[string]*memGroup{}}
		m.topics[name] = t
	}
	return t
}

func (m *memoryMQ) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var targets []*memConsumer
	if t, ok := m.topics[msg.Topic]; ok {
		for _, g := range t.groups {
			if len(g.consumers) == 0 {
				continue
			}
			c := g.consumers[g.next%len(g.consumers)]
			g.next++
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		cp := msg
		cp.Headers = copyHeaders(msg.Headers)
		select {
		case c.ch <- cp:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *memoryMQ) PublishDelay(ctx context.Context, msg Message, delay time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			if err := m.Publish(context.Background(), msg); err != nil && err != ErrClosed {
				m.logger.Error(context.Background(), "memory delayed publish failed", "topic", msg.Topic, "error", err.Error())
			}
		case <-m.stopCh:
		}
	}()
	return nil
}

func (m *memoryMQ) Consume(ctx context.Context, topic, group string, handler Handler, mws ...Middleware) (func(context.Context) error, error) {
	if group == "" {
		group = defaultGroup
	}
	final := chain(handler, mws)
	c := &memConsumer{ch: make(chan Message, memConsumerBuffer), done: make(chan struct{}), exit: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	t := m.topicLocked(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{}
		t.groups[group] = g
	}
	g.consumers = append(g.consumers, c)
	m.wg.Add(1)
	m.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	tag := &consumerTag{}
	hctx := withConsumerTag(cctx, tag)
	go func() {
		defer m.wg.Done()
		defer close(c.exit)
		defer cancel()
		for {
			select {
			case <-cctx.Done():
				return
			case <-c.done:
				return
			case msg := <-c.ch:
				if err := final(hctx, msg); err != nil {
					m.logger.Error(ctx, "memory handler failed", "topic", topic, "group", group, "error", err.Error())
				}
			}
		}
	}()

	stop := func(sctx context.Context) error {
		m.detach(topic, group, c)
		cancel()
		if calledFromConsumer(sctx, tag) {
			return nil
		}
		select {
		case <-c.exit:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

func (m *memoryMQ) detach(topic, group string, c *memConsumer) {
	m.mu.Lock()
	if t, ok := m.topics[topic]; ok {
		if g, ok := t.groups[group]; ok {
			for i, x := range g.consumers {
				if x == c {
					g.consumers = append(g.consumers[:i], g.consumers[i+1:]...)
					break
				}
			}
			if len(g.consumers) == 0 {
				delete(t.groups, group)
			}
		}
	}
	m.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (m *memoryMQ) DeclareQueue(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.topicLocked(topic)
	return nil
}

// DeleteQueue 删除 topic 并停止其全部消费者。
func (m *memoryMQ) DeleteQueue(ctx context.Context, topic string) error {
	m.mu.Lock()
	t, ok := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	for _, g := range t.groups {
		for _, c := range g.consumers {
			c.once.Do(func() { close(c.done) })
		}
	}
	return nil
}

func (m *memoryMQ) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	topics := m.topics
	m.topics = map[string]*memTopic{}
	m.mu.Unlock()
	for _, t := range topics {
		for _, g := range t.groups {
			for _, c := range g.consumers {
				c.once.Do(func() { close(c.done) })
			}
		}
	}
	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
