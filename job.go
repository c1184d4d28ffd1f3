package taskpipe

import (
	"context"
	"sync"
)

// Job 定义任务队列上的业务处理。
type Job interface {
	Queue() string
	Execute(ctx context.Context, run *TaskRun) error
}

type funcJob struct {
	queue string
	fn    JobHandler
}

func (j funcJob) Queue() string                                   { return j.queue }
func (j funcJob) Execute(ctx context.Context, run *TaskRun) error { return j.fn(ctx, run) }

// NewJob 以函数构造 Job。
func NewJob(queue string, fn JobHandler) Job { return funcJob{queue: queue, fn: fn} }

// Workers 在任务队列上执行 Job，并把进度与结果发布到响应队列。
type Workers interface {
	Register(job Job)
	// Start 订阅全部已注册队列；返回的 stop 取消这些订阅。
	Start(ctx context.Context, mws ...JobMiddleware) (stop func(context.Context) error, err error)
}

// JobHandler 用于中间件包装 Job 执行。
type JobHandler func(ctx context.Context, run *TaskRun) error

// TaskRun 一次任务执行的上下文：输入、已发布的最新状态与待随终态发送的输出。
type TaskRun struct {
	queue  string
	report func(ctx context.Context, queue string, st TaskStatus) error

	mu        sync.Mutex
	status    TaskStatus
	input     []byte
	pending   []string
	duplicate bool
}

func newTaskRun(queue string, submitted TaskStatus, report func(context.Context, string, TaskStatus) error) *TaskRun {
	st := submitted.clone()
	input := st.Input
	st.Input = nil
	return &TaskRun{queue: queue, report: report, status: st, input: input}
}

func (r *TaskRun) TaskID() string { return r.status.TaskID }
func (r *TaskRun) Queue() string  { return r.queue }
func (r *TaskRun) Input() []byte  { return r.input }

// Report 立即发布一条 RUNNING 更新，携带本次的部分输出。
func (r *TaskRun) Report(ctx context.Context, fragments ...string) error {
	r.mu.Lock()
	u := r.status.Advance(TaskRunning, fragments...)
	r.status = u
	r.mu.Unlock()
	return r.report(ctx, r.queue, u)
}

// Output 追加随终态一起发布的输出片段。
func (r *TaskRun) Output(fragments ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, fragments...)
}

// markDuplicate 标记为重复投递：不发布终态，避免覆盖首次执行的结果。
func (r *TaskRun) markDuplicate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicate = true
}

// finish 发布终态：err 为空时 COMPLETED，否则 FAILED 并附带错误描述。
func (r *TaskRun) finish(ctx context.Context, err error) error {
	r.mu.Lock()
	if r.duplicate {
		r.mu.Unlock()
		return nil
	}
	state := TaskCompleted
	if err != nil {
		state = TaskFailed
	}
	u := r.status.Advance(state, r.pending...)
	if err != nil {
		u.Error = err.Error()
	}
	r.status = u
	r.pending = nil
	r.mu.Unlock()
	return r.report(ctx, r.queue, u)
}
