// Package cache implements the shared key-value layer backing quota
// counters, sticky-session bindings, OAuth refresh locks and the other
// short-lived state that does not belong in the relational store. Two
// backends satisfy the same interface — an in-process otter.Cache for
// single-instance deployments, and Redis for anything running more than
// one proxy process.
package cache

import (
	"context"
	"time"
)

// Cache is the full contract: get/set/exists/delete plus a
// prefix-scoped clear used by OAuth session and sticky-session cleanup.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	ClearPrefix(ctx context.Context, prefix string) error

	// TryLock acquires a named, TTL-bounded mutex and returns a token
	// that must be presented to Unlock; a stale or already-released
	// lock makes TryLock succeed for the next caller once its TTL
	// elapses even without an explicit Unlock. The lock name is
	// arbitrary so both the OAuth refresh-on-select path and the
	// orphan cleanup sweep can share the same primitive.
	TryLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, name, token string) error

	// IncrBy atomically adds delta to the integer counter at key
	// (treating an absent key as 0), resets its TTL to ttl, and returns
	// the resulting value. Used for request/token quota counters, which
	// must not lose updates to concurrent requests against the same
	// UserServiceApi.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// IncrByFloat is IncrBy for the cost counters, which accumulate
	// fractional dollars.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	Close() error
}

// Category buckets the default TTL a caller should request when it has
// no specific duration of its own: short, medium, or long-lived
// (sessions vs. health snapshots vs. provider-type config).
type Category int

const (
	CategoryShort Category = iota
	CategoryMedium
	CategoryLong
)

// Durations holds the default TTL per Category, sourced from
// config.CacheConfig at wiring time.
type Durations struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

func (d Durations) For(c Category) time.Duration {
	switch c {
	case CategoryShort:
		return d.Short
	case CategoryLong:
		return d.Long
	default:
		return d.Medium
	}
}

// DefaultDurations returns sensible defaults: short sessions live
// minutes, health snapshots an hour, provider-type config a day.
func DefaultDurations() Durations {
	return Durations{
		Short:  10 * time.Minute,
		Medium: time.Hour,
		Long:   24 * time.Hour,
	}
}
