package taskpipe

import "context"

// withDefaultJobMiddleware 将默认中间件接入 Workers 执行链。
func withDefaultJobMiddleware(w Workers, m JobMiddleware) Workers {
	return workersWithMiddleware{Workers: w, mw: m}
}

type workersWithMiddleware struct {
	Workers
	mw JobMiddleware
}

func (w workersWithMiddleware) Start(ctx context.Context, mws ...JobMiddleware) (func(context.Context) error, error) {
	// 默认中间件位于调用者中间件之前，避免覆盖调用者定制行为
	mws = append([]JobMiddleware{w.mw}, mws...)
	return w.Workers.Start(ctx, mws...)
}
