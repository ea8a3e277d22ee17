package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store is the shared key-value cache every fetcher and the rate-limit guard
// coordinate through. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
}

const memoryCleanupInterval = 5 * time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is the in-process Store used when Redis is unavailable.
// Mutual exclusion only holds within a single process.
type MemoryStore struct {
	mu    sync.Mutex
	items *gocache.Cache
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: gocache.New(gocache.NoExpiration, memoryCleanupInterval),
		now:   time.Now,
	}
}

// WithClock replaces the store's time source. Intended for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, expiration := m.entry(value, ttl)
	m.items.Set(key, entry, expiration)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live(key)
	entry, expiration := m.entry(value, ttl)
	return m.items.Add(key, entry, expiration) == nil, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok || string(entry.value) != string(value) {
		return false, nil
	}
	m.items.Delete(key)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Delete(key)
	return nil
}

// live must be called with mu held. It evicts entries the store clock
// considers expired.
func (m *MemoryStore) live(key string) (memoryEntry, bool) {
	v, ok := m.items.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	entry := v.(memoryEntry)
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		m.items.Delete(key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) entry(value []byte, ttl time.Duration) (memoryEntry, time.Duration) {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl <= 0 {
		return entry, gocache.NoExpiration
	}
	entry.expiresAt = m.now().Add(ttl)
	return entry, ttl
}
