package taskpipe

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// taskEntry 单个任务的状态与监视器。done 在首次进入终态或被移除时关闭，只关闭一次。
type taskEntry struct {
	mu      sync.Mutex
	status  TaskStatus
	done    chan struct{}
	closed  bool
	removed bool
}

func newTaskEntry(st TaskStatus) *taskEntry {
	e := &taskEntry{status: st.clone(), done: make(chan struct{})}
	if st.CurrentState.Finished() {
		e.wakeLocked()
	}
	return e
}

func (e *taskEntry) wakeLocked() {
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}

func (e *taskEntry) snapshot() TaskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.clone()
}

// TaskTracker 内存任务状态表。map 成员关系由短持有的读写锁保护，
// 同一任务的合并由条目自身的锁保护，不同任务的等待互不串行。
type TaskTracker struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
	now   func() time.Time
}

func NewTaskTracker() *TaskTracker {
	return &TaskTracker{tasks: map[string]*taskEntry{}, now: time.Now}
}

// Create 插入 SUBMITTED 状态；taskID 已存在时返回 ErrDuplicateTask。
func (t *TaskTracker) Create(taskID string) (TaskStatus, error) {
	st := NewTaskStatus(taskID, t.now())
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[taskID]; ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}
	t.tasks[taskID] = newTaskEntry(st)
	return st.clone(), nil
}

// ApplyUpdate 合并一条状态更新，返回是否产生了变化。
//   - 未知 taskID：非 DELETED 更新直接作为首条记录插入
//   - DELETED：立即移除并唤醒等待者
//   - 已终态：忽略
//   - LastUpdateTime 严格更新：追加输出、替换状态与时间；进入终态时唤醒等待者
//   - 其余（乱序/重复）丢弃
func (t *TaskTracker) ApplyUpdate(u TaskStatus) bool {
	if u.TaskID == "" {
		return false
	}
	if u.CurrentState == TaskDeleted {
		return t.Remove(u.TaskID)
	}
	for {
		e := t.entry(u.TaskID)
		if e == nil {
			t.mu.Lock()
			if _, ok := t.tasks[u.TaskID]; ok {
				t.mu.Unlock()
				continue
			}
			t.tasks[u.TaskID] = newTaskEntry(u)
			t.mu.Unlock()
			return true
		}
		e.mu.Lock()
		if e.removed {
			// 与并发移除竞争失败：重新查找（可能已被重新创建）
			e.mu.Unlock()
			continue
		}
		applied := e.mergeLocked(u)
		e.mu.Unlock()
		return applied
	}
}

func (e *taskEntry) mergeLocked(u TaskStatus) bool {
	if e.status.CurrentState.Finished() || !u.LastUpdateTime.After(e.status.LastUpdateTime) {
		return false
	}
	e.status.Output = append(e.status.Output, u.Output...)
	e.status.CurrentState = u.CurrentState
	e.status.LastUpdateTime = u.LastUpdateTime
	if u.Error != "" {
		e.status.Error = u.Error
	}
	if e.status.CurrentState.Finished() {
		e.wakeLocked()
	}
	return true
}

func (t *TaskTracker) entry(taskID string) *taskEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tasks[taskID]
}

// Get 返回状态副本。
func (t *TaskTracker) Get(taskID string) (TaskStatus, bool) {
	e := t.entry(taskID)
	if e == nil {
		return TaskStatus{}, false
	}
	return e.snapshot(), true
}

// List 返回按创建时间排序的快照。
func (t *TaskTracker) List() []TaskStatus {
	t.mu.RLock()
	entries := make([]*taskEntry, 0, len(t.tasks))
	for _, e := range t.tasks {
		entries = append(entries, e)
	}
	t.mu.RUnlock()
	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreationTime.Equal(out[j].CreationTime) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreationTime.Before(out[j].CreationTime)
	})
	return out
}

func (t *TaskTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

// Remove 移除任务并唤醒等待者；等待者看到的最终状态为 DELETED。
func (t *TaskTracker) Remove(taskID string) bool {
	t.mu.Lock()
	e, ok := t.tasks[taskID]
	delete(t.tasks, taskID)
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.status.CurrentState = TaskDeleted
	e.wakeLocked()
	e.mu.Unlock()
	return true
}

// Await 阻塞直到任务进入终态、超时或 ctx 取消，返回此时的状态（不论是否终态）。
// timeout <= 0 时不阻塞。超时不是错误。第二个返回值为 false 表示任务不存在。
func (t *TaskTracker) Await(ctx context.Context, taskID string, timeout time.Duration) (TaskStatus, bool) {
	e := t.entry(taskID)
	if e == nil {
		return TaskStatus{}, false
	}
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return e.snapshot(), true
}

// Sweep 移除最后更新早于 now-retention 的终态任务，返回移除数量。
func (t *TaskTracker) Sweep(retention time.Duration) int {
	cutoff := t.now().Add(-retention)
	var stale []string
	t.mu.RLock()
	for id, e := range t.tasks {
		e.mu.Lock()
		if e.status.CurrentState.Finished() && e.status.LastUpdateTime.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	t.mu.RUnlock()
	n := 0
	for _, id := range stale {
		if t.Remove(id) {
			n++
		}
	}
	return n
}
