package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the multi-process Cache backend, used when
// config.CacheConfig.CacheType == "redis". Connection options and the
// SetNX/Lua-script lock pattern are carried over directly from the
// teacher's internal/store/redis.go (New, AcquireRefreshLock,
// ReleaseRefreshLock), generalised from an accountID-keyed OAuth lock
// to an arbitrary named lock.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(addr, password string, db, poolSize int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     poolSize,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connect: %w", err)
	}
	return &RedisCache{rdb: rdb}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: redis del %s: %w", key, err)
	}
	return nil
}

// ClearPrefix scans rather than KEYS, since a shared production
// instance (cost counters, sticky sessions) can't tolerate a blocking
// KEYS call.
func (r *RedisCache) ClearPrefix(ctx context.Context, prefix string) error {
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: redis scan %s*: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: redis del batch: %w", err)
	}
	return nil
}

// acquireLockScript sets the lock key only if absent, matching the
// teacher's SetNX-based AcquireRefreshLock but expressed as a script so
// TryLock's token comparison composes with a future "refresh the TTL of
// a lock I already hold" extension without a second round trip.
var acquireLockScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then
  return 0
end
redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

func (r *RedisCache) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := randomToken()
	res, err := acquireLockScript.Run(ctx, r.rdb, []string{lockKey(name)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return "", false, fmt.Errorf("cache: acquire lock %s: %w", name, err)
	}
	return token, res == 1, nil
}

func (r *RedisCache) Unlock(ctx context.Context, name, token string) error {
	if _, err := releaseLockScript.Run(ctx, r.rdb, []string{lockKey(name)}, token).Result(); err != nil {
		return fmt.Errorf("cache: release lock %s: %w", name, err)
	}
	return nil
}

// incrByScript and incrByFloatScript combine the increment with a TTL
// refresh in one round trip so the two never race against a concurrent
// caller's read-modify-write the way a plain Get+Set would.
var incrByScript = redis.NewScript(`
local v = redis.call("incrby", KEYS[1], ARGV[1])
redis.call("pexpire", KEYS[1], ARGV[2])
return v
`)

var incrByFloatScript = redis.NewScript(`
local v = redis.call("incrbyfloat", KEYS[1], ARGV[1])
redis.call("pexpire", KEYS[1], ARGV[2])
return v
`)

func (r *RedisCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := incrByScript.Run(ctx, r.rdb, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis incrby %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisCache) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	res, err := incrByFloatScript.Run(ctx, r.rdb, []string{key}, delta, ttl.Milliseconds()).Text()
	if err != nil {
		return 0, fmt.Errorf("cache: redis incrbyfloat %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: redis incrbyfloat %s: parse result %q: %w", key, res, err)
	}
	return v, nil
}

func (r *RedisCache) Close() error { return r.rdb.Close() }
