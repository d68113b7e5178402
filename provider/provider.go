// Package provider defines the remote-tier storage abstraction used by clinicache.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no prepended/
// appended metadata, no re-encoding, no mutation). If a store performs
// internal transforms, they MUST be fully reversed so that the bytes returned
// by Get are identical to the bytes provided to Set.
//
// CompareAndDelete MUST be a single atomic server-side operation (a script on
// Redis), never a read followed by a delete: the distributed lock's ownership
// invariant rests on it.
package provider

import (
	"context"
	"time"
)

// Provider is a byte store with TTLs, conditional writes, and pattern scans.
// Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent ("set if not present").
	// Returns true when the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes keys, returning how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// CompareAndDelete deletes key only if its current value equals expect,
	// as one atomic server-side operation. Returns true when deleted.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)

	// Scan returns all keys matching a redis-style glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// MGet fetches many keys in a single round trip. Missing keys are
	// absent from the result map; per-key read errors count as misses.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// MSet stores many keys with a common TTL in a single round trip.
	// Partial failures are reported per key.
	MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) (failed map[string]error, err error)

	// Expire resets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context) error
}
