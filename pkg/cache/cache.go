// Package cache holds the expendable read copy of active orders.
// Durable storage stays the source of truth; everything here may vanish.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/uhyunpark/hyperroute/pkg/order"
)

// DefaultTTL bounds how long an active order lingers in cache without a refresh
const DefaultTTL = time.Hour

// OrderCache is the cache-aside contract used by the order store.
// Get returns (nil, nil) on a miss.
type OrderCache interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	Set(ctx context.Context, o *order.Order) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// TTLMap is a generic in-memory map whose entries expire
type TTLMap[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]ttlItem[V]
	defaultTTL time.Duration
	now        func() time.Time
}

type ttlItem[V any] struct {
	value     V
	expiresAt time.Time
}

func NewTTLMap[K comparable, V any](defaultTTL time.Duration) *TTLMap[K, V] {
	return &TTLMap[K, V]{
		items:      make(map[K]ttlItem[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (m *TTLMap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || !m.now().Before(item.expiresAt) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set stores value; ttl <= 0 uses the default
func (m *TTLMap[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.mu.Lock()
	m.items[key] = ttlItem[V]{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Len counts entries including expired ones not yet swept
func (m *TTLMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Sweep drops expired entries and returns how many were removed
func (m *TTLMap[K, V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// RunSweeper sweeps every interval until ctx is done
func (m *TTLMap[K, V]) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// MemoryCache is an OrderCache kept in process memory.
// Used when no Redis address is configured, and in tests.
type MemoryCache struct {
	items *TTLMap[string, *order.Order]
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{items: NewTTLMap[string, *order.Order](ttl)}
}

func (c *MemoryCache) Get(_ context.Context, id string) (*order.Order, error) {
	o, ok := c.items.Get(id)
	if !ok {
		return nil, nil
	}
	return o.Clone(), nil
}

func (c *MemoryCache) Set(_ context.Context, o *order.Order) error {
	c.items.Set(o.ID, o.Clone(), 0)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, id string) error {
	c.items.Delete(id)
	return nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

// Len reports the number of cached orders
func (c *MemoryCache) Len() int { return c.items.Len() }

// RunSweeper evicts expired orders periodically until ctx is done
func (c *MemoryCache) RunSweeper(ctx context.Context, interval time.Duration) {
	c.items.RunSweeper(ctx, interval)
}

var _ OrderCache = (*MemoryCache)(nil)
