// Package clinicache implements the caching and invalidation engine for a
// clinical web platform: a bounded in-process tier (L1) in front of a shared
// remote tier (L2), with field-level encryption of sensitive payloads,
// distributed mutual exclusion against cache stampedes, and a circuit
// breaker protecting the remote store.
//
// Components:
//
//   - Manager (this package): tiered reads/writes, stampede-safe GetOrSet,
//     batch operations, pattern invalidation, statistics.
//   - Registry (this package): per-category policy - TTL, encryption
//     requirement, identifier hashing, redaction, warm-up fetchers.
//   - payload: serialize -> compress -> encrypt pipeline (AEAD, fail-closed).
//   - provider: remote-store abstraction; redis and noop implementations.
//   - local: recency-ordered bounded L1.
//   - lock: remote-backed mutual exclusion with ownership tokens.
//   - breaker: failure-tracking gate in front of the remote tier.
//   - httpcache: cache-aside middleware for whole HTTP responses with ETag /
//     conditional-request handling and pattern invalidation.
//
// # Basic usage
//
//	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	prov, _ := redisprovider.New(redisprovider.Config{Client: rdb})
//
//	mgr, err := clinicache.New(clinicache.Options{
//		Namespace:     "clinic",
//		Provider:      prov,
//		EncryptionKey: keyFromKMS, // 32 bytes; required by clinical categories
//	})
//	if err != nil {
//		// ...
//	}
//	defer mgr.Close(ctx)
//
//	profile, _, err := mgr.GetOrSet(ctx, clinicache.CategoryUserProfile, userID,
//		func(ctx context.Context) (any, error) { return loadProfile(ctx, userID) }, 0)
//
// Failure semantics: remote-tier trouble is absorbed. Reads degrade to a
// miss, writes to local-only success, and the worst case a caller observes
// is a slower response from a forced recomputation. The only hard error is
// ErrInvalidKey.
package clinicache
