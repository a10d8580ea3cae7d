package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchCoalescesConcurrentLoads(t *testing.T) {
	c := New(0)
	var loads int32
	release := make(chan struct{})
	load := func(context.Context) (any, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return "orders", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), KeyEligibleOrders, load)
			assert.NoError(t, err)
			assert.Equal(t, "orders", v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	// served from cache now
	_, err := c.Fetch(context.Background(), KeyEligibleOrders, load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestInvalidateForcesReloadAndNotifiesWatchers(t *testing.T) {
	c := New(0)
	n := 0
	load := func(context.Context) (any, error) { n++; return n, nil }

	v, _ := c.Fetch(context.Background(), KeyAssignedOrders, load)
	assert.Equal(t, 1, v)

	var notified []string
	unwatch := c.Watch(KeyAssignedOrders, func(k string) { notified = append(notified, k) })

	c.Invalidate(KeyAssignedOrders)
	v, _ = c.Fetch(context.Background(), KeyAssignedOrders, load)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{KeyAssignedOrders}, notified)

	unwatch()
	unwatch()
	c.Invalidate(KeyAssignedOrders)
	assert.Len(t, notified, 1)
}

func TestLoadStartedBeforeInvalidateIsNotCached(t *testing.T) {
	c := New(0)
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = c.Fetch(context.Background(), KeyEligibleOrders, func(context.Context) (any, error) {
			close(started)
			<-release
			return "stale", nil
		})
	}()
	<-started
	c.Invalidate(KeyEligibleOrders)
	close(release)

	v, err := c.Fetch(context.Background(), KeyEligibleOrders, func(context.Context) (any, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestTTLExpiry(t *testing.T) {
	c := New(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set(KeyWalletBalance, 100)

	_, ok := c.Get(KeyWalletBalance)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(KeyWalletBalance)
	assert.False(t, ok)
}

func TestLoadErrorsAreNotCached(t *testing.T) {
	c := New(0)
	boom := errors.New("boom")
	_, err := c.Fetch(context.Background(), KeyWalletSummary, func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	_, ok := c.Get(KeyWalletSummary)
	assert.False(t, ok)
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(0)
	c.Set(MessagesKey("c1"), 1)
	c.Set(MessagesKey("c2"), 2)
	c.Set(KeyConversations, 3)

	var hits int32
	defer c.Watch(MessagesKey("c3"), func(string) { atomic.AddInt32(&hits, 1) })()

	c.InvalidatePrefix(PrefixMessages)
	_, ok1 := c.Get(MessagesKey("c1"))
	_, ok2 := c.Get(MessagesKey("c2"))
	_, ok3 := c.Get(KeyConversations)
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestClearDropsEverything(t *testing.T) {
	c := New(0)
	c.Set(KeyEligibleOrders, 1)
	c.Clear()
	_, ok := c.Get(KeyEligibleOrders)
	assert.False(t, ok)
}
