package taskpipe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AuditEntry 一条审计记录。
type AuditEntry struct {
	Action string
	Queue  string
	Node   string
	Detail string
	Time   time.Time
}

const (
	auditCreateQueue  = "create_queue"
	auditRemoveQueue  = "remove_queue"
	auditBroadcastAll = "broadcast_all"
)

// Auditor 审计写入。调用方以尽力而为方式使用：失败只记录日志，不影响主流程。
type Auditor interface {
	Audit(ctx context.Context, e AuditEntry) error
}

type noopAuditor struct{}

func (noopAuditor) Audit(ctx context.Context, e AuditEntry) error { return nil }

// RedisAuditor 将审计记录追加到一个定长 Redis stream。
type RedisAuditor struct {
	R      *redis.Client
	Stream string
	MaxLen int64
}

func NewRedisAuditor(r *redis.Client, stream string, maxLen int64) *RedisAuditor {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisAuditor{R: r, Stream: stream, MaxLen: maxLen}
}

func (a *RedisAuditor) Audit(ctx context.Context, e AuditEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	err := a.R.XAdd(ctx, &redis.XAddArgs{
		Stream: a.Stream,
		MaxLen: a.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"action": e.Action,
			"queue":  e.Queue,
			"node":   e.Node,
			"detail": e.Detail,
			"time":   e.Time.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("audit %s %s: %w", e.Action, e.Queue, err)
	}
	return nil
}
