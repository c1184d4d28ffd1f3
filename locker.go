package taskpipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Locker 命名锁，用于分布式 Cron 的 Leader 选举。
type Locker interface {
	// Acquire 非阻塞地尝试获取锁；未获取到时返回 ok=false。
	Acquire(ctx context.Context, key string) (lease Lease, ok bool, err error)
}

// Lease 已持有的锁。Lost 在锁失效（续租失败、连接断开）时关闭。
type Lease interface {
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// ---- Redis：SetNX + 续租 ----

var (
	redisRenewScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`)
	redisUnlockScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`)
)

// RedisLocker 以 SET NX PX 实现锁，值为持有者标识，续租与释放均校验持有者。
type RedisLocker struct {
	R     *redis.Client
	Owner string
	TTL   time.Duration
}

func NewRedisLocker(r *redis.Client, owner string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{R: r, Owner: owner, TTL: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, bool, error) {
	ok, err := l.R.SetNX(ctx, key, l.Owner, l.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	rl := &redisLease{l: l, key: key, lost: make(chan struct{}), stop: make(chan struct{}), done: make(chan struct{})}
	go rl.renew()
	return rl, true, nil
}

type redisLease struct {
	l    *RedisLocker
	key  string
	lost chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (rl *redisLease) renew() {
	defer close(rl.done)
	t := time.NewTicker(rl.l.TTL / 2)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			n, err := redisRenewScript.Run(context.Background(), rl.l.R, []string{rl.key}, rl.l.Owner, rl.l.TTL.Milliseconds()).Int64()
			if err != nil || n == 0 {
				close(rl.lost)
				return
			}
		}
	}
}

func (rl *redisLease) Lost() <-chan struct{} { return rl.lost }

func (rl *redisLease) Release(ctx context.Context) error {
	var err error
	rl.once.Do(func() {
		close(rl.stop)
		<-rl.done
		err = redisUnlockScript.Run(ctx, rl.l.R, []string{rl.key}, rl.l.Owner).Err()
	})
	return err
}

// ---- RabbitMQ：独占队列 ----

// RabbitLocker 以独占、自动删除的队列作为锁：声明成功者持有，连接断开即释放。
type RabbitLocker struct {
	URI string
}

func NewRabbitLocker(uri string) *RabbitLocker { return &RabbitLocker{URI: uri} }

func (l *RabbitLocker) Acquire(ctx context.Context, key string) (Lease, bool, error) {
	conn, err := amqp.Dial(l.URI)
	if err != nil {
		return nil, false, fmt.Errorf("rabbitmq lock dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("rabbitmq lock channel: %w", err)
	}
	if _, err := ch.QueueDeclare(sanitizeQueueName(key), false, true, true, false, nil); err != nil {
		// RESOURCE_LOCKED：已被其他连接独占
		_ = conn.Close()
		return nil, false, nil
	}
	rl := &rabbitLease{conn: conn, lost: make(chan struct{})}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-closed
		close(rl.lost)
	}()
	return rl, true, nil
}

type rabbitLease struct {
	conn *amqp.Connection
	lost chan struct{}
	once sync.Once
}

func (rl *rabbitLease) Lost() <-chan struct{} { return rl.lost }

func (rl *rabbitLease) Release(ctx context.Context) error {
	var err error
	rl.once.Do(func() {
		if !rl.conn.IsClosed() {
			err = rl.conn.Close()
		}
	})
	return err
}

// ---- 进程内 ----

// LocalLocker 进程内锁，适用于单节点与测试。
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localLease
}

func NewLocalLocker() *LocalLocker { return &LocalLocker{held: map[string]*localLease{}} }

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	ll := &localLease{l: l, key: key, lost: make(chan struct{})}
	l.held[key] = ll
	return ll, true, nil
}

type localLease struct {
	l    *LocalLocker
	key  string
	lost chan struct{}
	once sync.Once
}

func (ll *localLease) Lost() <-chan struct{} { return ll.lost }

func (ll *localLease) Release(ctx context.Context) error {
	ll.once.Do(func() {
		ll.l.mu.Lock()
		delete(ll.l.held, ll.key)
		ll.l.mu.Unlock()
		close(ll.lost)
	})
	return nil
}
