package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry is the value otter stores; it carries its own TTL so a single
// cache instance can serve callers that each want a different
// expiration, the way otter's variable-expiration Expiry hook is meant
// to be used (Set/TryLock both go through this).
type entry struct {
	data      []byte
	ttl       time.Duration
	lockToken string
}

type variableExpiry struct{}

func (variableExpiry) ExpireAfterCreate(e otter.Entry[string, entry]) time.Duration {
	return e.Value.ttl
}

func (variableExpiry) ExpireAfterUpdate(e otter.Entry[string, entry], _ time.Duration) time.Duration {
	return e.Value.ttl
}

func (variableExpiry) ExpireAfterRead(_ otter.Entry[string, entry], currentDuration time.Duration) time.Duration {
	return currentDuration
}

// MemoryCache is the single-process Cache backend, used when
// config.CacheConfig.CacheType == "memory". It wraps one otter.Cache
// sized by memory_max_entries; TTL is per-entry via variableExpiry
// rather than per-cache, since callers mix session, health and config
// entries with very different lifetimes in the same keyspace.
type MemoryCache struct {
	c *otter.Cache[string, entry]

	// locksMu serializes TryLock/Unlock's check-then-set against otter.
	// Lock entries live only in otter, so one that otter evicts under
	// memory pressure is released before its TTL elapses.
	locksMu sync.Mutex

	// countersMu serializes IncrBy/IncrByFloat's read-modify-write
	// against otter, which itself has no atomic increment primitive.
	countersMu sync.Mutex
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	c := otter.Must(&otter.Options[string, entry]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: variableExpiry{},
	})
	return &MemoryCache{c: c}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.GetIfPresent(key)
	if !ok {
		return nil, false, nil
	}
	return v.data, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, entry{data: value, ttl: ttl})
	return nil
}

func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.c.Invalidate(key)
	return nil
}

func (m *MemoryCache) ClearPrefix(_ context.Context, prefix string) error {
	m.c.InvalidateAll(func(key string, _ entry) bool {
		return strings.HasPrefix(key, prefix)
	})
	return nil
}

func (m *MemoryCache) TryLock(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if _, held := m.c.GetIfPresent(lockKey(name)); held {
		return "", false, nil
	}
	token := randomToken()
	m.c.Set(lockKey(name), entry{data: []byte(token), ttl: ttl})
	return token, true, nil
}

func (m *MemoryCache) Unlock(_ context.Context, name, token string) error {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	v, ok := m.c.GetIfPresent(lockKey(name))
	if !ok || string(v.data) != token {
		return nil
	}
	m.c.Invalidate(lockKey(name))
	return nil
}

// IncrBy adds delta to the integer counter at key under countersMu, so
// two concurrent callers for the same key never both read the same
// starting value.
func (m *MemoryCache) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()

	var cur int64
	if v, ok := m.c.GetIfPresent(key); ok {
		cur, _ = strconv.ParseInt(string(v.data), 10, 64)
	}
	next := cur + delta
	m.c.Set(key, entry{data: []byte(strconv.FormatInt(next, 10)), ttl: ttl})
	return next, nil
}

func (m *MemoryCache) IncrByFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()

	var cur float64
	if v, ok := m.c.GetIfPresent(key); ok {
		cur, _ = strconv.ParseFloat(string(v.data), 64)
	}
	next := cur + delta
	m.c.Set(key, entry{data: []byte(strconv.FormatFloat(next, 'f', -1, 64)), ttl: ttl})
	return next, nil
}

func (m *MemoryCache) Close() error { return nil }

func lockKey(name string) string { return "lock:" + name }

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
