// Package kv is the typed wrapper over a key-value store that every other
// engine component speaks through (spec §4.1). It is the engine's only
// shared mutable state — there are no in-process shared maps carrying
// traffic state across requests (spec §5).
package kv

import (
	"context"
	"time"
)

// Index is the KV Index contract. Every method may fail with a transport
// error, which callers must surface rather than swallow (spec §7).
type Index interface {
	// Get returns the value stored at key, or ("", false, nil) when absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value at key. If ttl > 0 the key expires after ttl; if
	// ttl == 0 the key never expires; if ttl < 0 the write is suppressed
	// (the value is already semantically expired — spec §4.1).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del deletes key. It is idempotent — deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
	// Exists reports whether key is currently present.
	Exists(ctx context.Context, key string) (bool, error)
	// Expire resets key's TTL. It is a no-op if key is absent. If ttl <= 0
	// the key is deleted instead.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys enumerates all keys matching pattern, where "*" matches exactly
	// one colon-delimited segment (spec §9 open question: the glob must not
	// cross segment boundaries). Implementations must use a cursor-based
	// scan rather than a blocking enumeration so writers are never starved
	// for more than a bounded window.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// HGet reads one hash field. Preserved on the interface for forward
	// compatibility; unused by the current engine (spec §4.1).
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	// HSet writes one hash field.
	HSet(ctx context.Context, key, field, value string) error
	// HDel deletes one hash field.
	HDel(ctx context.Context, key, field string) error
}
