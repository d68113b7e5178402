package clinicache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/clinicache/breaker"
	"github.com/unkn0wn-root/clinicache/codec"
	"github.com/unkn0wn-root/clinicache/local"
	"github.com/unkn0wn-root/clinicache/provider"
)

// Source reports which tier served a Get.
type Source int

const (
	SourceMiss Source = iota
	SourceLocal
	SourceRemote
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "LOCAL"
	case SourceRemote:
		return "REMOTE"
	default:
		return "MISS"
	}
}

// Health is the manager's health view for admin surfaces.
type Health struct {
	RemoteHealthy bool   `json:"remote_healthy"`
	BreakerState  string `json:"breaker_state"`
	LocalEntries  int    `json:"local_entries"`
}

// Manager is the tiered cache: a bounded in-process tier in front of a
// shared remote tier, with stampede protection on misses.
//
// Remote-tier failures never propagate: reads degrade to a miss, writes to
// local-only success. The only hard failure a caller can see is
// ErrInvalidKey.
type Manager interface {
	// Get reads the local tier, then the remote tier through the circuit
	// breaker. Remote hits are promoted into the local tier.
	Get(ctx context.Context, category, id string) (v any, src Source, err error)

	// Set writes the local tier always and the remote tier best-effort,
	// under the category's TTL/encryption/redaction policy.
	Set(ctx context.Context, category, id string, v any, ttl time.Duration) error

	// GetOrSet returns the cached value or computes it via fetch, with at
	// most one concurrent fetch per key across processes (distributed
	// lock) and within the process (flight collapsing). An abandoned
	// caller's fetch still completes and populates the cache. src reports
	// the tier that served the value; a freshly computed value reports
	// SourceMiss.
	GetOrSet(ctx context.Context, category, id string, fetch FetchFunc, ttl time.Duration) (v any, src Source, err error)

	// Touch extends the remote TTL of an entry without rewriting it, for
	// sliding expiry such as keeping a session alive on activity. ttl is
	// resolved like Set's: explicit, then policy, then default.
	Touch(ctx context.Context, category, id string, ttl time.Duration) error

	// Delete removes the entry from both tiers. Reports whether it
	// existed in either.
	Delete(ctx context.Context, category, id string) (bool, error)

	// InvalidatePattern removes entries matching a redis-style glob from
	// both tiers and returns how many keys were removed.
	InvalidatePattern(ctx context.Context, pattern string) (int, error)

	// InvalidateCategory removes every entry of one category.
	InvalidateCategory(ctx context.Context, category string) (int, error)

	// KeyPattern returns the glob matching all of a category's keys,
	// for callers composing their own invalidation patterns.
	KeyPattern(category string, parts ...string) string

	// ResolveTTL reports the lifetime a write under category would get
	// (explicit ttl, then policy, then default), so callers advertising
	// freshness agree with the cache.
	ResolveTTL(category string, ttl time.Duration) time.Duration

	// Namespace returns the key prefix this manager writes under.
	Namespace() string

	// BatchGet pipelines remote reads for many ids; found values come
	// back keyed by id, the rest in missing.
	BatchGet(ctx context.Context, category string, ids []string) (found map[string]any, missing []string, err error)

	// BatchSet pipelines remote writes. Per-key failures are reported in
	// the result map; local-tier writes still happen for every key.
	BatchSet(ctx context.Context, category string, items map[string]any, ttl time.Duration) (map[string]error, error)

	// WarmUp runs the category's registered fetchers with bounded retry.
	WarmUp(ctx context.Context, category string) error

	// WarmUpAll warms every registered category.
	WarmUpAll(ctx context.Context) error

	// Stats returns a snapshot of the counters; ResetStats zeroes them
	// (explicit operator action only).
	Stats() StatsSnapshot
	ResetStats()

	// HealthCheck pings the remote tier and reports breaker state.
	HealthCheck(ctx context.Context) Health

	// Close releases the provider and drops the local tier.
	Close(ctx context.Context) error
}

// Options tune the manager. Namespace and Provider are required; everything
// else has defaults.
type Options struct {
	// Required
	Namespace string // key prefix isolating this deployment, e.g. "clinic"
	Provider  provider.Provider

	// Policy table; nil => NewRegistry(DefaultPolicies(), Policy{}).
	Registry *Registry

	// Value serializer for the payload pipeline; nil => codec.Msgpack[any].
	Codec codec.Codec[any]

	// EncryptionKey enables the AEAD for encryption-requiring categories.
	// Must be payload.KeySize bytes when set.
	EncryptionKey []byte

	// CompressMin is the serialized size above which payloads are
	// compressed; 0 => 1KiB, negative disables.
	CompressMin int

	Logger     Logger        // nil => NopLogger
	DefaultTTL time.Duration // remote TTL when the policy has none; 0 => 10m

	Local   local.Config   // local tier capacity / max age
	Breaker breaker.Config // threshold / recovery timeout (Name defaults to Namespace)

	RemoteTimeout time.Duration // per remote op; 0 => 2s; timeouts count as breaker failures
	FetchTimeout  time.Duration // applied to FetchFuncs; 0 => 30s
	LockTTL       time.Duration // fetch-lock TTL; 0 => 2*FetchTimeout
	LockWait      time.Duration // bounded wait before the lock-loser re-reads; 0 => 150ms

	// JitterFraction randomizes remote TTLs by ±fraction/2 to avoid
	// synchronized expiry. 0 => 0.1, negative disables.
	JitterFraction float64
}

// New constructs the manager. The instance is intended to be dependency-
// injected into whatever needs caching; there is no package-level singleton.
func New(opts Options) (Manager, error) {
	return newManager(opts)
}
