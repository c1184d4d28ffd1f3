package taskpipe

import (
	"context"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// cronParser 六段表达式（含秒）并支持 @every 等描述符。
var cronParser = cronv3.NewParser(cronv3.Second | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// Cron 提供基于 Cron 表达式的任务调度管理（支持秒级表达式与 @every 描述符）。
type Cron interface {
	Add(spec string, name string, fn func(context.Context) error, mws ...CronMiddleware) (id string, err error)
	Remove(id string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// newCron 按配置选择本地或分布式调度。
func newCron(p *pipeline) Cron {
	if p.cfg.Cron.Distributed {
		return newCronDist(p)
	}
	return newCronLocal(p.cfg.Cron, p.logger)
}

func cronLocation(tz string) *time.Location {
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			return l
		}
	}
	return time.Local
}

func chainCron(fn func(context.Context) error, mws []CronMiddleware) func(context.Context) error {
	final := fn
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}
