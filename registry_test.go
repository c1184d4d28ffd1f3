package taskpipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const memoryDomain = `{"type":"memory"}`

// countingFactory 每次构建返回新的 mockHandle，并记录构建次数。
func countingFactory(n *int64, delay time.Duration) HandleFactory {
	return func(ctx context.Context, name string, cfg DomainConfig) (TransportHandle, error) {
		atomic.AddInt64(n, 1)
		time.Sleep(delay)
		h := newMockHandle(name)
		h.On("Close", mock.Anything).Return(nil)
		return h, nil
	}
}

func newTestRegistry(t *testing.T, n *int64) *HandlerRegistry {
	t.Helper()
	r := NewHandlerRegistry(NewMemoryDomainStore(), nopLogger())
	r.RegisterFactory(MQProviderMemory, countingFactory(n, 10*time.Millisecond))
	return r
}

func TestRegistry_ConcurrentResolveBuildsOnce(t *testing.T) {
	ctx := context.Background()
	var n int64
	r := newTestRegistry(t, &n)
	require.NoError(t, r.RegisterDomain(ctx, "orders", memoryDomain))

	var wg sync.WaitGroup
	handles := make([]TransportHandle, 32)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Resolve(ctx, "orders")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&n))
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestRegistry_NoDomain(t *testing.T) {
	var n int64
	r := newTestRegistry(t, &n)

	_, err := r.Resolve(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNoHandle)
	_, ok := r.Lookup("unknown")
	assert.False(t, ok)
	assert.Zero(t, n)
}

func TestRegistry_MalformedConfigNotCached(t *testing.T) {
	ctx := context.Background()
	var n int64
	store := NewMemoryDomainStore()
	r := NewHandlerRegistry(store, nopLogger())
	r.RegisterFactory(MQProviderMemory, countingFactory(&n, 0))

	// 绕过校验直接写入非法配置
	require.NoError(t, store.WriteDomain(ctx, ExchangeDomain{Name: "q", Config: "{not json"}))
	_, err := r.Resolve(ctx, "q")
	assert.ErrorIs(t, err, ErrNoHandle)
	_, ok := r.Lookup("q")
	assert.False(t, ok)

	// 修正后可解析
	require.NoError(t, r.RegisterDomain(ctx, "q", memoryDomain))
	h, err := r.Resolve(ctx, "q")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestRegistry_UnknownTypeNotCached(t *testing.T) {
	ctx := context.Background()
	var n int64
	r := newTestRegistry(t, &n)
	require.NoError(t, r.RegisterDomain(ctx, "q", `{"type":"kafka"}`))

	_, err := r.Resolve(ctx, "q")
	assert.ErrorIs(t, err, ErrNoHandle)
	assert.Contains(t, err.Error(), "unknown domain type")
	_, ok := r.Lookup("q")
	assert.False(t, ok)
}

func TestRegistry_FactoryErrorNotCached(t *testing.T) {
	ctx := context.Background()
	r := NewHandlerRegistry(nil, nopLogger())
	calls := 0
	r.RegisterFactory(MQProviderMemory, func(ctx context.Context, name string, cfg DomainConfig) (TransportHandle, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("unreachable broker")
		}
		return newMockHandle(name), nil
	})
	require.NoError(t, r.RegisterDomain(ctx, "q", memoryDomain))

	_, err := r.Resolve(ctx, "q")
	require.ErrorIs(t, err, ErrNoHandle)
	h, err := r.Resolve(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "q", h.Name())
	assert.Equal(t, 2, calls)
}

func TestRegistry_RegisterDomainValidates(t *testing.T) {
	ctx := context.Background()
	r := NewHandlerRegistry(nil, nopLogger())

	assert.ErrorIs(t, r.RegisterDomain(ctx, "q", ""), ErrInvalidDomain)
	assert.ErrorIs(t, r.RegisterDomain(ctx, "q", `{"redis":{}}`), ErrInvalidDomain)
	assert.ErrorIs(t, r.RegisterDomain(ctx, "", memoryDomain), ErrEmptyQueue)
}

func TestRegistry_InvalidateClosesUnsharedOnly(t *testing.T) {
	ctx := context.Background()
	var n int64
	r := newTestRegistry(t, &n)
	require.NoError(t, r.RegisterDomain(ctx, "q", memoryDomain))

	h, err := r.Resolve(ctx, "q")
	require.NoError(t, err)
	_, stored := r.PutIfAbsent("q-response", h)
	require.True(t, stored)

	// 仍被 q-response 引用：不关闭
	require.NoError(t, r.Invalidate(ctx, "q"))
	h.(*mockHandle).AssertNotCalled(t, "Close", mock.Anything)

	require.NoError(t, r.Invalidate(ctx, "q-response"))
	h.(*mockHandle).AssertNumberOfCalls(t, "Close", 1)

	// 重新解析构建新句柄
	h2, err := r.Resolve(ctx, "q")
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.EqualValues(t, 2, n)
}

func TestRegistry_PinnedSurvivesInvalidate(t *testing.T) {
	ctx := context.Background()
	r := NewHandlerRegistry(nil, nopLogger())
	direct := newMockHandle("direct")
	direct.On("Close", mock.Anything).Return(nil)
	r.Pin(direct)

	_, _ = r.PutIfAbsent("a", direct)
	require.NoError(t, r.Invalidate(ctx, "a"))
	direct.AssertNotCalled(t, "Close", mock.Anything)

	require.NoError(t, r.Close(ctx))
	direct.AssertNumberOfCalls(t, "Close", 1)
}

func TestRegistry_PutIfAbsentKeepsFirst(t *testing.T) {
	r := NewHandlerRegistry(nil, nopLogger())
	a, b := newMockHandle("a"), newMockHandle("b")

	cur, stored := r.PutIfAbsent("q", a)
	assert.True(t, stored)
	assert.Same(t, a, cur)
	cur, stored = r.PutIfAbsent("q", b)
	assert.False(t, stored)
	assert.Same(t, a, cur)
}

func TestRegistry_CloseEachHandleOnce(t *testing.T) {
	ctx := context.Background()
	r := NewHandlerRegistry(nil, nopLogger())
	h := newMockHandle("shared")
	h.On("Close", mock.Anything).Return(nil)
	other := newMockHandle("other")
	other.On("Close", mock.Anything).Return(errors.New("close failed"))
	r.PutIfAbsent("a", h)
	r.PutIfAbsent("b", h)
	r.PutIfAbsent("c", other)

	err := r.Close(ctx)
	require.Error(t, err)
	h.AssertNumberOfCalls(t, "Close", 1)
	other.AssertNumberOfCalls(t, "Close", 1)
	_, ok := r.Lookup("a")
	assert.False(t, ok)
}

func TestRegistry_RegisterDomainKeepsCachedHandle(t *testing.T) {
	ctx := context.Background()
	var n int64
	r := newTestRegistry(t, &n)
	require.NoError(t, r.RegisterDomain(ctx, "q", memoryDomain))
	h1, err := r.Resolve(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, r.RegisterDomain(ctx, "q", `{"type":"memory","retry":{"maxRetries":3}}`))
	h2, err := r.Resolve(ctx, "q")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestParseDomainConfig(t *testing.T) {
	cfg, err := ParseDomainConfig(`{"type":"redis","redis":{"addr":"127.0.0.1:6379","db":2}}`)
	require.NoError(t, err)
	assert.Equal(t, MQProviderRedis, cfg.Provider)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)

	raw, err := EncodeDomainConfig(cfg)
	require.NoError(t, err)
	back, err := ParseDomainConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
