package taskpipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nopLogger() Logger { return NewZapLogger(zap.NewNop()) }

// newMemoryPipeline 构建以进程内总线为默认传输的管道，测试结束时关闭。
func newMemoryPipeline(t *testing.T, mutate func(*Config), opts ...Option) Pipeline {
	t.Helper()
	cfg := Config{NodeID: "node-a", MQ: MQConfig{Provider: MQProviderMemory}}
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(nopLogger())}, opts...)
	p, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func update(base TaskStatus, state TaskState, at time.Time, fragments ...string) TaskStatus {
	return TaskStatus{
		TaskID:         base.TaskID,
		CurrentState:   state,
		Output:         fragments,
		CreationTime:   base.CreationTime,
		LastUpdateTime: at,
	}
}

// mockHandle 记录调用的 TransportHandle。
type mockHandle struct {
	mock.Mock
	name string
}

func newMockHandle(name string) *mockHandle { return &mockHandle{name: name} }

func (m *mockHandle) Name() string { return m.name }

func (m *mockHandle) CreateQueue(ctx context.Context, queue string) error {
	return m.Called(ctx, queue).Error(0)
}

func (m *mockHandle) RemoveQueue(ctx context.Context, queue string) error {
	return m.Called(ctx, queue).Error(0)
}

func (m *mockHandle) Publish(ctx context.Context, queue string, payload []byte, headers map[string]string) error {
	return m.Called(ctx, queue, payload, headers).Error(0)
}

func (m *mockHandle) PublishDelay(ctx context.Context, queue string, payload []byte, headers map[string]string, delay time.Duration) error {
	return m.Called(ctx, queue, payload, headers, delay).Error(0)
}

func (m *mockHandle) Subscribe(ctx context.Context, queue string, sub Subscriber) error {
	return m.Called(ctx, queue, sub).Error(0)
}

func (m *mockHandle) Unsubscribe(ctx context.Context, queue string, sub Subscriber) error {
	return m.Called(ctx, queue, sub).Error(0)
}

func (m *mockHandle) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func noopSub(id string) Subscriber {
	return NewSubscriber(id, func(context.Context, Delivery) error { return nil })
}
