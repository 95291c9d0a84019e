package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanCount is the COUNT hint passed to each SCAN round. It bounds how much
// work one round does without blocking other writers — the cursor-based scan
// spec §4.1 requires, as opposed to KEYS' stop-the-world enumeration.
const scanCount = 200

// RedisIndex implements Index on top of a Redis (or Redis-compatible)
// server reached via github.com/redis/go-redis/v9.
type RedisIndex struct {
	rdb *redis.Client
}

// NewRedisIndex builds a RedisIndex from a "redis://host:port/db"-style URL.
func NewRedisIndex(url string) (*RedisIndex, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	return &RedisIndex{rdb: redis.NewClient(opt)}, nil
}

// NewRedisIndexFromClient wraps an already-constructed client, primarily for
// tests that point at a miniredis instance.
func NewRedisIndexFromClient(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

func (r *RedisIndex) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisIndex) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		// Already expired — the write is suppressed entirely (spec §4.1).
		return nil
	}
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisIndex) Del(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: del %s: %w", key, err)
	}
	return nil
}

func (r *RedisIndex) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisIndex) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.Del(ctx, key)
	}
	ok, err := r.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("kv: expire %s: %w", key, err)
	}
	_ = ok // false just means key was already absent — a documented no-op
	return nil
}

// Keys enumerates keys matching pattern via cursor-based SCAN. Redis' own
// glob lets "*" span colons, which is looser than the single-segment
// wildcard spec §4.1 promises, so results are filtered by segment count and
// per-segment equality before being returned (spec §9 open question).
func (r *RedisIndex) Keys(ctx context.Context, pattern string) ([]string, error) {
	want := strings.Split(pattern, ":")

	var out []string
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("kv: scan %s: %w", pattern, err)
		}
		for _, k := range keys {
			if segmentsMatch(want, strings.Split(k, ":")) {
				out = append(out, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// segmentsMatch reports whether got has the same number of ':'-delimited
// segments as want, with each non-"*" segment in want matching exactly.
func segmentsMatch(want, got []string) bool {
	if len(want) != len(got) {
		return false
	}
	for i, w := range want {
		if w == "*" {
			continue
		}
		if w != got[i] {
			return false
		}
	}
	return true
}

func (r *RedisIndex) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: hget %s.%s: %w", key, field, err)
	}
	return v, true, nil
}

func (r *RedisIndex) HSet(ctx context.Context, key, field, value string) error {
	if err := r.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("kv: hset %s.%s: %w", key, field, err)
	}
	return nil
}

func (r *RedisIndex) HDel(ctx context.Context, key, field string) error {
	if err := r.rdb.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("kv: hdel %s.%s: %w", key, field, err)
	}
	return nil
}
