package taskpipe

import (
	"time"
)

// TaskState 任务状态：SUBMITTED -> RUNNING* -> COMPLETED | FAILED -> DELETED。
type TaskState string

const (
	TaskSubmitted TaskState = "SUBMITTED"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskDeleted   TaskState = "DELETED"
)

// Finished 报告是否为终态。
func (s TaskState) Finished() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskDeleted
}

// TaskStatus 任务状态信封。字段名在同一部署内跨节点共享，不可更改。
type TaskStatus struct {
	TaskID         string    `json:"taskId" cbor:"taskId"`
	CurrentState   TaskState `json:"currentState" cbor:"currentState"`
	Input          []byte    `json:"input,omitempty" cbor:"input,omitempty"`
	Output         []string  `json:"output" cbor:"output"`
	Error          string    `json:"error,omitempty" cbor:"error,omitempty"`
	CreationTime   time.Time `json:"creationTime" cbor:"creationTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime" cbor:"lastUpdateTime"`
}

// NewTaskStatus 生成 SUBMITTED 状态。
func NewTaskStatus(taskID string, now time.Time) TaskStatus {
	return TaskStatus{
		TaskID:         taskID,
		CurrentState:   TaskSubmitted,
		Output:         []string{},
		CreationTime:   now,
		LastUpdateTime: now,
	}
}

// Advance 基于当前状态生成一条增量更新：仅携带新片段，
// 且 LastUpdateTime 严格晚于当前值（时钟回拨或精度不足时 +1ns）。
func (s TaskStatus) Advance(state TaskState, fragments ...string) TaskStatus {
	ts := time.Now()
	if !ts.After(s.LastUpdateTime) {
		ts = s.LastUpdateTime.Add(time.Nanosecond)
	}
	out := make([]string, len(fragments))
	copy(out, fragments)
	return TaskStatus{
		TaskID:         s.TaskID,
		CurrentState:   state,
		Output:         out,
		CreationTime:   s.CreationTime,
		LastUpdateTime: ts,
	}
}

func (s TaskStatus) clone() TaskStatus {
	c := s
	c.Output = append([]string{}, s.Output...)
	if s.Input != nil {
		c.Input = append([]byte(nil), s.Input...)
	}
	return c
}
