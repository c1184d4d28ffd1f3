package taskpipe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSubscriptions_EnsureOnce(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	h.On("Subscribe", mock.Anything, "q", mock.Anything).Return(nil).Once()
	m := NewSubscriptionManager(nopLogger())

	created, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
	require.NoError(t, err)
	assert.False(t, created)

	assert.True(t, m.IsSubscribed("q", "s1"))
	h.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestSubscriptions_ConcurrentSameIdentity(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	h.On("Subscribe", mock.Anything, "q", mock.Anything).Return(nil).After(20 * time.Millisecond)
	m := NewSubscriptionManager(nopLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, createdCount)
	h.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestSubscriptions_DistinctIdentitiesAndQueues(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	h.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m := NewSubscriptionManager(nopLogger())

	for _, q := range []string{"q1", "q2"} {
		for _, id := range []string{"a", "b"} {
			created, err := m.EnsureSubscribed(ctx, q, h, noopSub(id))
			require.NoError(t, err)
			assert.True(t, created)
		}
	}
	h.AssertNumberOfCalls(t, "Subscribe", 4)

	subs := m.Subscriptions()
	require.Len(t, subs, 4)
	assert.Equal(t, "q1", subs[0].Queue)
	assert.Equal(t, "a", subs[0].Subscriber.ID())
	assert.Equal(t, "q2", subs[3].Queue)
	assert.Equal(t, "b", subs[3].Subscriber.ID())
}

func TestSubscriptions_FailedSubscribeNotRecorded(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	h.On("Subscribe", mock.Anything, "q", mock.Anything).Return(errors.New("down")).Once()
	h.On("Subscribe", mock.Anything, "q", mock.Anything).Return(nil).Once()
	m := NewSubscriptionManager(nopLogger())

	_, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
	require.Error(t, err)
	assert.False(t, m.IsSubscribed("q", "s1"))

	created, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSubscriptions_Validation(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	m := NewSubscriptionManager(nopLogger())

	_, err := m.EnsureSubscribed(ctx, "", h, noopSub("s1"))
	assert.ErrorIs(t, err, ErrEmptyQueue)
	_, err = m.EnsureSubscribed(ctx, "q", h, noopSub(""))
	assert.Error(t, err)
	h.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubscriptions_UnsubscribeAndResubscribe(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	h.On("Subscribe", mock.Anything, "q", mock.Anything).Return(nil)
	h.On("Unsubscribe", mock.Anything, "q", mock.Anything).Return(nil)
	m := NewSubscriptionManager(nopLogger())

	_, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
	require.NoError(t, err)

	removed, err := m.Unsubscribe(ctx, "q", noopSub("s1"))
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = m.Unsubscribe(ctx, "q", noopSub("s1"))
	require.NoError(t, err)
	assert.False(t, removed)

	created, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
	require.NoError(t, err)
	assert.True(t, created)
	h.AssertNumberOfCalls(t, "Subscribe", 2)
	h.AssertNumberOfCalls(t, "Unsubscribe", 1)
}

func TestSubscriptions_DropQueue(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	h.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.On("Unsubscribe", mock.Anything, "q", mock.Anything).Return(nil)
	m := NewSubscriptionManager(nopLogger())

	for _, id := range []string{"a", "b"} {
		_, err := m.EnsureSubscribed(ctx, "q", h, noopSub(id))
		require.NoError(t, err)
	}
	_, err := m.EnsureSubscribed(ctx, "other", h, noopSub("a"))
	require.NoError(t, err)

	require.NoError(t, m.DropQueue(ctx, "q"))
	assert.False(t, m.IsSubscribed("q", "a"))
	assert.False(t, m.IsSubscribed("q", "b"))
	assert.True(t, m.IsSubscribed("other", "a"))
	h.AssertNumberOfCalls(t, "Unsubscribe", 2)
	assert.NoError(t, m.DropQueue(ctx, "unknown"))
}

func TestSubscriptions_UnsubscribeAllJoinsErrors(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	h.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.On("Unsubscribe", mock.Anything, "bad", mock.Anything).Return(errors.New("gone"))
	h.On("Unsubscribe", mock.Anything, "good", mock.Anything).Return(nil)
	m := NewSubscriptionManager(nopLogger())

	_, _ = m.EnsureSubscribed(ctx, "bad", h, noopSub("s"))
	_, _ = m.EnsureSubscribed(ctx, "good", h, noopSub("s"))

	err := m.UnsubscribeAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone")
	assert.Empty(t, m.Subscriptions())
}

func TestSubscriptions_UnsubscribeNilSubscriber(t *testing.T) {
	m := NewSubscriptionManager(nopLogger())
	removed, err := m.Unsubscribe(context.Background(), "q", nil)
	assert.Error(t, err)
	assert.False(t, removed)
}

func TestSubscriptions_TransportUnsubscribeRunsOutsideQueueLock(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	m := NewSubscriptionManager(nopLogger())
	h.On("Subscribe", mock.Anything, "q", mock.Anything).Return(nil)

	inner := make(chan error, 1)
	h.On("Unsubscribe", mock.Anything, "q", mock.Anything).Run(func(mock.Arguments) {
		// 传输层退订期间同一队列上的其他操作不被阻塞
		_, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s2"))
		inner <- err
	}).Return(nil).Once()

	_, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		removed, err := m.Unsubscribe(ctx, "q", noopSub("s1"))
		assert.NoError(t, err)
		assert.True(t, removed)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe blocked on the queue lock")
	}
	require.NoError(t, <-inner)
	assert.False(t, m.IsSubscribed("q", "s1"))
	assert.True(t, m.IsSubscribed("q", "s2"))
}

func TestSubscriptions_ResubscribeWaitsForPendingUnsubscribe(t *testing.T) {
	ctx := context.Background()
	h := newMockHandle("h")
	m := NewSubscriptionManager(nopLogger())
	h.On("Subscribe", mock.Anything, "q", mock.Anything).Return(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.On("Unsubscribe", mock.Anything, "q", mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()

	_, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
	require.NoError(t, err)
	go func() { _, _ = m.Unsubscribe(ctx, "q", noopSub("s1")) }()
	<-entered

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = m.EnsureSubscribed(short, "q", h, noopSub("s1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	resubscribed := make(chan bool, 1)
	go func() {
		created, err := m.EnsureSubscribed(ctx, "q", h, noopSub("s1"))
		assert.NoError(t, err)
		resubscribed <- created
	}()
	close(release)
	select {
	case created := <-resubscribed:
		assert.True(t, created)
	case <-time.After(2 * time.Second):
		t.Fatal("resubscribe did not proceed after unsubscribe finished")
	}
	h.AssertNumberOfCalls(t, "Subscribe", 2)
}
