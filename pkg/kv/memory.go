package kv

import (
	"context"
	"sync"
	"time"

	"github.com/packrat-io/packrat/pkg/clock"
)

// Memory is an in-process Cache with TTL expiry. It is the reference
// adapter (CACHE_DRIVER=memory) and the one tests use; production
// deployments slot an external store behind the same interface.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	clk   clock.Clock
}

type memoryItem struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates an empty in-memory cache
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		items: make(map[string]memoryItem),
		clk:   clk,
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return "", ErrMiss
	}
	if !item.expiresAt.IsZero() && m.clk.Now().After(item.expiresAt) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *Memory) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = m.clk.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of live entries (expired entries may linger
// until read)
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
