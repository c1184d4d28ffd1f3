package taskpipe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisAdapter 基于 Redis Streams 实现 MQ；延时消息通过 ZSET 调度器转存至 Streams。
// 处理失败仅记录日志并 ACK：Streams 无法只向单个消费组重投。
type redisAdapter struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger Logger
	maxLen int64

	groupsMu sync.Mutex
	groups   map[string]map[string]struct{} // stream -> 本实例创建/加入的消费组

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const (
	redisDelayZKey      = "tp:delay"
	redisStreamMaxLen   = 10000
	redisReadBlock      = 2 * time.Second
	redisErrBackoff     = 500 * time.Millisecond
	redisDelayScanEvery = 200 * time.Millisecond
)

type delayItem struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	BodyB64 string            `json:"body_b64"`
	Headers map[string]string `json:"headers"`
}

func newRedisAdapter(cfg RedisConfig, logger Logger) (MQ, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr empty", ErrInvalidDomain)
	}
	return newRedisAdapterWithClient(newRedisClient(cfg), cfg, logger), nil
}

func newRedisAdapterWithClient(rdb *redis.Client, cfg RedisConfig, logger Logger) *redisAdapter {
	ad := &redisAdapter{cfg: cfg, logger: logger, rdb: rdb, maxLen: redisStreamMaxLen, groups: map[string]map[string]struct{}{}, stopCh: make(chan struct{})}
	ad.startDelayScheduler()
	return ad
}

func (r *redisAdapter) startDelayScheduler() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		t := time.NewTicker(redisDelayScanEvery)
		defer t.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-t.C:
				now := float64(time.Now().UnixMilli())
				items, err := r.rdb.ZRangeByScore(ctx, redisDelayZKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now), Offset: 0, Count: 100}).Result()
				if err != nil {
					continue
				}
				for _, s := range items {
					// ZRem 成功者负责投递，避免多实例重复转存
					n, err := r.rdb.ZRem(ctx, redisDelayZKey, s).Result()
					if err != nil || n == 0 {
						continue
					}
					var di delayItem
					if json.Unmarshal([]byte(s), &di) == nil {
						body, _ := base64.StdEncoding.DecodeString(di.BodyB64)
						_ = r.publishStream(ctx, Message{Topic: di.Topic, Key: di.Key, Body: body, Headers: di.Headers})
					}
				}
			}
		}
	}()
}

func (r *redisAdapter) Publish(ctx context.Context, msg Message) error {
	return r.publishStream(ctx, msg)
}

func (r *redisAdapter) PublishDelay(ctx context.Context, msg Message, delay time.Duration) error {
	di := delayItem{Topic: msg.Topic, Key: msg.Key, BodyB64: base64.StdEncoding.EncodeToString(msg.Body), Headers: msg.Headers}
	b, err := json.Marshal(di)
	if err != nil {
		return err
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	return r.rdb.ZAdd(ctx, redisDelayZKey, redis.Z{Score: score, Member: string(b)}).Err()
}

// DeclareQueue 创建 stream（附带默认消费组）。
func (r *redisAdapter) DeclareQueue(ctx context.Context, topic string) error {
	return r.ensureGroup(ctx, topic, defaultGroup)
}

// DeleteQueue 销毁本实例加入的消费组；stream 上不再有任何组时删除 stream。
func (r *redisAdapter) DeleteQueue(ctx context.Context, topic string) error {
	r.groupsMu.Lock()
	groups := r.groups[topic]
	delete(r.groups, topic)
	r.groupsMu.Unlock()
	for g := range groups {
		if err := r.rdb.XGroupDestroy(ctx, topic, g).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis group destroy (stream=%s group=%s): %w", topic, g, err)
		}
	}
	infos, err := r.rdb.XInfoGroups(ctx, topic).Result()
	if err != nil {
		// stream 不存在
		return nil
	}
	if len(infos) == 0 {
		return r.rdb.Del(ctx, topic).Err()
	}
	return nil
}

func (r *redisAdapter) ensureGroup(ctx context.Context, topic, group string) error {
	// 新组从当前末尾开始读取，不回放历史
	err := r.rdb.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	r.groupsMu.Lock()
	if r.groups[topic] == nil {
		r.groups[topic] = map[string]struct{}{}
	}
	r.groups[topic][group] = struct{}{}
	r.groupsMu.Unlock()
	return nil
}

func (r *redisAdapter) Consume(ctx context.Context, topic, group string, handler Handler, mws ...Middleware) (func(context.Context) error, error) {
	if group == "" {
		group = defaultGroup
	}
	if err := r.ensureGroup(ctx, topic, group); err != nil {
		return nil, fmt.Errorf("redis group create (stream=%s group=%s): %w", topic, group, err)
	}
	final := chain(handler, mws)
	consumer := fmt.Sprintf("%s-%s", group, uuid.NewString()[:8])

	done := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	tag := &consumerTag{}
	hctx := withConsumerTag(cctx, tag)
	r.wg.Add(1)
	go func() {
		defer func() { r.wg.Done(); close(done) }()
		concurrency := r.cfg.ConsumerConcurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		sem := make(chan struct{}, concurrency)
		var inflight sync.WaitGroup
		defer inflight.Wait()
		for {
			select {
			case <-cctx.Done():
				return
			case <-r.stopCh:
				return
			default:
			}
			res, err := r.rdb.XReadGroup(cctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{topic, ">"},
				Count:    int64(concurrency),
				Block:    redisReadBlock,
			}).Result()
			if errors.Is(err, redis.Nil) || cctx.Err() != nil {
				continue
			}
			if err != nil {
				r.logger.Error(cctx, "redis xreadgroup failed", "stream", topic, "group", group, "error", err.Error())
				select {
				case <-cctx.Done():
				case <-time.After(redisErrBackoff):
				}
				continue
			}
			for _, str := range res {
				for _, xmsg := range str.Messages {
					sem <- struct{}{}
					inflight.Add(1)
					go func(m redis.XMessage) {
						defer func() { <-sem; inflight.Done() }()
						msg := decodeXMessage(topic, m)
						if err := final(hctx, msg); err != nil {
							r.logger.Error(cctx, "redis handler failed", "stream", topic, "group", group, "id", m.ID, "error", err.Error())
						}
						_, _ = r.rdb.XAck(context.Background(), topic, group, m.ID).Result()
					}(xmsg)
				}
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

func (r *redisAdapter) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.stopCh) })
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return r.rdb.Close()
}

func (r *redisAdapter) publishStream(ctx context.Context, msg Message) error {
	fields := map[string]interface{}{"key": msg.Key, "body": base64.StdEncoding.EncodeToString(msg.Body)}
	for k, v := range msg.Headers {
		fields["h:"+k] = v
	}
	return r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: msg.Topic, MaxLen: r.maxLen, Approx: true, Values: fields}).Err()
}

func decodeXMessage(topic string, xm redis.XMessage) Message {
	var key string
	var body []byte
	headers := make(map[string]string)
	for k, v := range xm.Values {
		switch k {
		case "key":
			key, _ = v.(string)
		case "body":
			if s, ok := v.(string); ok {
				body, _ = base64.StdEncoding.DecodeString(s)
			}
		default:
			if strings.HasPrefix(k, "h:") {
				if s, ok := v.(string); ok {
					headers[k[2:]] = s
				}
			}
		}
	}
	return Message{Topic: topic, Key: key, Body: body, Headers: headers}
}
