// Package query is the agent's client-side response cache. Entries are
// keyed by string, loads for the same key coalesce, and mutations
// invalidate keys so the next read goes back to the server.
package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/rider-agent/internal/observability"
)

// Key space.
const (
	KeyEligibleOrders  = "orders:eligible"
	KeyAssignedOrders  = "orders:assigned"
	KeyCompletedOrders = "orders:completed"

	KeyWalletBalance      = "wallet:balance"
	KeyWalletTransactions = "wallet:transactions"
	KeyWalletSummary      = "wallet:summary"

	KeyConversations = "chat:conversations"
	PrefixMessages   = "chat:messages:"
)

// MessagesKey is the cache key for one conversation's messages.
func MessagesKey(conversationID string) string { return PrefixMessages + conversationID }

type entry struct {
	v   any
	ts  time.Time
	gen uint64
}

// Cache holds decoded responses for ttl. A zero ttl keeps entries until
// they are invalidated.
type Cache struct {
	mu       sync.RWMutex
	store    map[string]entry
	gens     map[string]uint64
	watchers map[string]map[int]func(key string)
	nextID   int
	ttl      time.Duration
	now      func() time.Time

	flight singleflight.Group
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		store:    make(map[string]entry),
		gens:     make(map[string]uint64),
		watchers: make(map[string]map[int]func(string)),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		if cur, still := c.store[key]; still && cur.ts.Equal(e.ts) {
			delete(c.store, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

// Set stores a value directly, e.g. the result of a mutation.
func (c *Cache) Set(key string, v any) {
	c.mu.Lock()
	c.store[key] = entry{v: v, ts: c.now(), gen: c.gens[key]}
	c.mu.Unlock()
}

// Fetch returns the cached value for key or runs load. Concurrent Fetches
// for the same key share one load. A load that started before an
// Invalidate is returned to its callers but not cached.
func (c *Cache) Fetch(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		observability.CacheLookups.WithLabelValues("hit").Inc()
		return v, nil
	}
	observability.CacheLookups.WithLabelValues("miss").Inc()
	return c.Refetch(ctx, key, load)
}

// Refetch always loads, coalescing with any load already in flight for key.
func (c *Cache) Refetch(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	ch := c.flight.DoChan(key, func() (any, error) {
		c.mu.RLock()
		gen := c.gens[key]
		c.mu.RUnlock()

		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gens[key] == gen {
			c.store[key] = entry{v: v, ts: c.now(), gen: gen}
		}
		c.mu.Unlock()
		return v, nil
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops keys and notifies their watchers.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	var notify []func(string)
	var notifyKeys []string
	for _, k := range keys {
		delete(c.store, k)
		c.gens[k]++
		c.flight.Forget(k)
		for _, fn := range c.watchers[k] {
			notify = append(notify, fn)
			notifyKeys = append(notifyKeys, k)
		}
	}
	c.mu.Unlock()
	observability.CacheInvalidations.Add(float64(len(keys)))
	for i, fn := range notify {
		fn(notifyKeys[i])
	}
}

// InvalidatePrefix invalidates every cached or watched key with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.RLock()
	seen := map[string]struct{}{}
	for k := range c.store {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k := range c.watchers {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	c.mu.RUnlock()
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	c.Invalidate(keys...)
}

// Clear drops every entry without notifying watchers; used on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.store {
		c.gens[k]++
		c.flight.Forget(k)
	}
	c.store = make(map[string]entry)
}

// Watch calls fn after key is invalidated. The returned func unregisters it.
func (c *Cache) Watch(key string, fn func(key string)) (unwatch func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.watchers[key] == nil {
		c.watchers[key] = make(map[int]func(string))
	}
	c.watchers[key][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers[key], id)
			if len(c.watchers[key]) == 0 {
				delete(c.watchers, key)
			}
			c.mu.Unlock()
		})
	}
}
