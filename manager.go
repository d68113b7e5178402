package clinicache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/clinicache/breaker"
	"github.com/unkn0wn-root/clinicache/internal/util"
	"github.com/unkn0wn-root/clinicache/local"
	"github.com/unkn0wn-root/clinicache/lock"
	"github.com/unkn0wn-root/clinicache/payload"
	"github.com/unkn0wn-root/clinicache/provider"
)

const (
	defaultTTL           = 10 * time.Minute
	defaultRemoteTimeout = 2 * time.Second
	defaultFetchTimeout  = 30 * time.Second
	defaultLockWait      = 150 * time.Millisecond
	defaultJitter        = 0.1
)

type manager struct {
	ns       string
	remote   provider.Provider
	localT   *local.Cache
	br       *breaker.Breaker
	locks    *lock.Locker
	codec    *payload.Codec
	registry *Registry
	log      Logger
	stats    Stats
	flight   singleflight.Group

	defaultTTL    time.Duration
	remoteTimeout time.Duration
	fetchTimeout  time.Duration
	lockTTL       time.Duration
	lockWait      time.Duration
	jitter        float64
}

func newManager(opts Options) (*manager, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("clinicache: provider is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("clinicache: namespace is required")
	}

	pc, err := payload.New(payload.Config{
		Codec:       opts.Codec,
		Key:         opts.EncryptionKey,
		CompressMin: opts.CompressMin,
	})
	if err != nil {
		return nil, err
	}

	m := &manager{
		ns:       opts.Namespace,
		remote:   opts.Provider,
		locks:    lock.New(opts.Provider),
		codec:    pc,
		registry: opts.Registry,
	}

	// defaults
	m.log = coalesce[Logger](opts.Logger, NopLogger{})
	m.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	m.remoteTimeout = coalesce[time.Duration](opts.RemoteTimeout, defaultRemoteTimeout)
	m.fetchTimeout = coalesce[time.Duration](opts.FetchTimeout, defaultFetchTimeout)
	m.lockTTL = coalesce[time.Duration](opts.LockTTL, 2*m.fetchTimeout)
	m.lockWait = coalesce[time.Duration](opts.LockWait, defaultLockWait)

	switch {
	case opts.JitterFraction < 0:
		m.jitter = 0
	case opts.JitterFraction == 0:
		m.jitter = defaultJitter
	default:
		m.jitter = opts.JitterFraction
	}

	if m.registry == nil {
		m.registry = NewRegistry(DefaultPolicies(), Policy{})
	}

	// encryption-requiring categories demand key material up front, not at
	// first write
	if !pc.CanEncrypt() {
		for _, cat := range m.registry.Categories() {
			if m.registry.Policy(cat).Encrypt {
				return nil, fmt.Errorf("clinicache: category %q requires encryption but no key configured", cat)
			}
		}
	}

	lcfg := opts.Local
	lcfg.OnEvict = func(key string, e local.Entry) {
		m.stats.evictions.Add(1)
	}
	m.localT = local.New(lcfg)

	bcfg := opts.Breaker
	bcfg.Name = coalesce[string](bcfg.Name, opts.Namespace)
	if bcfg.OnStateChange == nil {
		bcfg.OnStateChange = func(from, to string) {
			m.log.Warn("circuit breaker state change", Fields{"from": from, "to": to})
		}
	}
	m.br = breaker.New(bcfg)

	return m, nil
}

func (m *manager) Close(ctx context.Context) error {
	m.localT.Purge()
	return m.remote.Close(ctx)
}

// key builds the storage key for an identifier under its category policy.
// Composite identifiers (joined with SegmentSeparator) become one key
// segment per part.
func (m *manager) key(category, id string) (string, error) {
	parts := strings.Split(id, SegmentSeparator)
	if m.registry.Policy(category).HashIdentifier {
		return HashedKey(m.ns, category, parts...)
	}
	return MakeKey(m.ns, category, parts...)
}

func (m *manager) Namespace() string { return m.ns }

// KeyPattern composes "<ns>:<category>:<parts...>:*" for invalidation.
func (m *manager) KeyPattern(category string, parts ...string) string {
	p := m.ns + ":" + category
	for _, part := range parts {
		p += ":" + part
	}
	return p + ":*"
}

func (m *manager) Get(ctx context.Context, category, id string) (any, Source, error) {
	start := time.Now()
	defer func() { m.stats.observe(time.Since(start)) }()
	return m.lookup(ctx, category, id, true)
}

// lookup is the tiered read behind Get and GetOrSet. count gates the
// hit/miss counters: each caller-visible operation counts exactly one read,
// and internal re-checks (under the fetch lock, after a lock wait) pass
// false. Decode failures always count as errors.
func (m *manager) lookup(ctx context.Context, category, id string, count bool) (any, Source, error) {
	k, err := m.key(category, id)
	if err != nil {
		return nil, SourceMiss, err
	}

	if e, ok := m.localT.Get(k); ok {
		if count {
			m.stats.l1Hits.Add(1)
		}
		return e.Value, SourceLocal, nil
	}
	if count {
		m.stats.l1Misses.Add(1)
	}

	raw, ok := m.remoteGet(ctx, k)
	if !ok {
		if count {
			m.stats.l2Misses.Add(1)
		}
		return nil, SourceMiss, nil
	}

	v, entry, derr := m.codec.Decode(raw)
	if derr != nil {
		// fail closed and self-heal: an entry that does not authenticate or
		// parse is discarded, never surfaced
		m.stats.errors.Add(1)
		m.log.Warn("discarding undecodable entry", Fields{"key": k, "err": (&DecodeError{Key: k, Err: derr}).Error()})
		m.remoteDel(ctx, k)
		if count {
			m.stats.l2Misses.Add(1)
		}
		return nil, SourceMiss, nil
	}

	if count {
		m.stats.l2Hits.Add(1)
	}
	m.localT.Set(k, local.Entry{Value: v, Category: category, ETag: entry.ETag})
	return v, SourceRemote, nil
}

func (m *manager) Set(ctx context.Context, category, id string, v any, ttl time.Duration) error {
	k, err := m.key(category, id)
	if err != nil {
		return err
	}
	pol := m.registry.Policy(category)
	if pol.Redact != nil {
		v = pol.Redact(v)
	}
	m.setEntry(ctx, category, k, v, m.resolveTTL(pol, ttl), pol.Encrypt)
	return nil
}

// setEntry writes an already-redacted value to both tiers. The local tier
// always gets the value; it holds decoded data and does not depend on the
// encode pipeline or the remote store being up.
func (m *manager) setEntry(ctx context.Context, category, k string, v any, ttl time.Duration, encrypt bool) {
	m.stats.sets.Add(1)

	raw, etag, encErr := m.codec.Encode(category, v, ttl, encrypt)
	m.localT.Set(k, local.Entry{Value: v, Category: category, ETag: etag})

	if encErr != nil {
		m.stats.errors.Add(1)
		m.log.Error("remote write skipped", Fields{"key": k, "err": (&EncodeError{Category: category, Err: encErr}).Error()})
		return
	}

	if err := m.remoteSet(ctx, k, raw, m.jitterTTL(ttl)); err != nil {
		// local write already succeeded; a later process recomputes on a
		// remote miss
		m.log.Warn("remote write failed, local-only", Fields{"key": k, "err": err.Error()})
	}
}

// flightValue carries a fetched-or-found value and the tier that served it
// through the singleflight group.
type flightValue struct {
	v   any
	src Source
}

func (m *manager) GetOrSet(ctx context.Context, category, id string, fetch FetchFunc, ttl time.Duration) (any, Source, error) {
	start := time.Now()
	defer func() { m.stats.observe(time.Since(start)) }()

	v, src, err := m.lookup(ctx, category, id, true)
	if err != nil {
		return nil, SourceMiss, err
	}
	if src != SourceMiss {
		return v, src, nil
	}

	k, _ := m.key(category, id) // validated by lookup above

	// collapse concurrent in-process callers; cross-process callers are
	// collapsed by the fetch lock below
	res, err, _ := m.flight.Do(k, func() (any, error) {
		// the computed value is worth caching even if the original caller
		// hangs up, so the fetch and writes run detached from its cancel
		bg := context.WithoutCancel(ctx)
		v, src, err := m.fetchUnderLock(bg, category, id, k, fetch, ttl)
		if err != nil {
			return nil, err
		}
		return flightValue{v: v, src: src}, nil
	})
	if err != nil {
		return nil, SourceMiss, err
	}
	fv := res.(flightValue)
	return fv.v, fv.src, nil
}

func (m *manager) fetchUnderLock(ctx context.Context, category, id, k string, fetch FetchFunc, ttl time.Duration) (any, Source, error) {
	lockKey, err := MakeKey(m.ns, "lock", "fetch", category, util.ShortHash(id))
	if err != nil {
		return nil, SourceMiss, err
	}

	// fn records its own outcome so WithLock's error always means lock
	// machinery: nil, ErrNotAcquired, or a store failure.
	var (
		result    any
		resultSrc Source
		fnErr     error
	)
	lerr := m.locks.WithLock(ctx, lockKey, m.lockTTL, func(ctx context.Context) error {
		// somebody may have populated the cache while we waited for the lock
		if v, src, err := m.lookup(ctx, category, id, false); err == nil && src != SourceMiss {
			result, resultSrc = v, src
			return nil
		}
		var v any
		if v, fnErr = m.runFetch(ctx, fetch); fnErr != nil {
			return nil
		}
		result, resultSrc = m.storeFetched(ctx, category, id, v, ttl), SourceMiss
		return nil
	})
	if lerr == nil {
		if fnErr != nil {
			return nil, SourceMiss, fnErr
		}
		return result, resultSrc, nil
	}
	if !errors.Is(lerr, lock.ErrNotAcquired) {
		// lock machinery is unreachable; compute without it rather than
		// failing the read
		m.log.Warn("fetch lock unavailable, computing without it", Fields{"key": k, "err": lerr.Error()})
		return m.fetchDirect(ctx, category, id, fetch, ttl)
	}

	// the lock holder is doing the work; give it a bounded moment to finish
	timer := time.NewTimer(m.lockWait)
	defer timer.Stop()
	<-timer.C

	if v, src, err := m.lookup(ctx, category, id, false); err == nil && src != SourceMiss {
		return v, src, nil
	}

	// still missing: trade one possible duplicate computation for
	// availability rather than blocking on the lock holder
	m.log.Debug("lock held and cache still cold, fetching anyway", Fields{"key": k})
	return m.fetchDirect(ctx, category, id, fetch, ttl)
}

func (m *manager) fetchDirect(ctx context.Context, category, id string, fetch FetchFunc, ttl time.Duration) (any, Source, error) {
	v, err := m.runFetch(ctx, fetch)
	if err != nil {
		return nil, SourceMiss, err
	}
	return m.storeFetched(ctx, category, id, v, ttl), SourceMiss, nil
}

func (m *manager) runFetch(ctx context.Context, fetch FetchFunc) (any, error) {
	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()
	return fetch(fctx)
}

// storeFetched redacts, writes both tiers, and returns the value exactly as
// cached, so callers of GetOrSet never see fields the policy strips.
func (m *manager) storeFetched(ctx context.Context, category, id string, v any, ttl time.Duration) any {
	pol := m.registry.Policy(category)
	if pol.Redact != nil {
		v = pol.Redact(v)
	}
	if k, err := m.key(category, id); err == nil {
		m.setEntry(ctx, category, k, v, m.resolveTTL(pol, ttl), pol.Encrypt)
	}
	return v
}

func (m *manager) Delete(ctx context.Context, category, id string) (bool, error) {
	k, err := m.key(category, id)
	if err != nil {
		return false, err
	}
	m.stats.deletes.Add(1)

	existedLocal := m.localT.Delete(k)
	existedRemote := m.remoteDel(ctx, k) > 0
	return existedLocal || existedRemote, nil
}

// Touch extends the remote TTL of an entry without rewriting its bytes, for
// sliding expiry such as refreshing a session on activity. A missing entry or
// an unreachable remote tier is absorbed like any other remote write; the
// local tier keeps its global max age.
func (m *manager) Touch(ctx context.Context, category, id string, ttl time.Duration) error {
	k, err := m.key(category, id)
	if err != nil {
		return err
	}
	m.remoteExpire(ctx, k, m.jitterTTL(m.resolveTTL(m.registry.Policy(category), ttl)))
	return nil
}

func (m *manager) InvalidateCategory(ctx context.Context, category string) (int, error) {
	if category == "" {
		return 0, ErrInvalidKey
	}
	return m.InvalidatePattern(ctx, m.KeyPattern(category))
}

func (m *manager) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	removed := make(map[string]struct{})

	keys, err := m.remoteScan(ctx, pattern)
	if err == nil && len(keys) > 0 {
		m.remoteDel(ctx, keys...)
		for _, k := range keys {
			removed[k] = struct{}{}
		}
	}

	// local removal is exact per key: match against the pattern, then evict
	for _, k := range m.localT.Keys() {
		if util.GlobMatch(pattern, k) {
			m.localT.Delete(k)
			removed[k] = struct{}{}
		}
	}

	m.stats.deletes.Add(uint64(len(removed)))
	m.log.Debug("pattern invalidation", Fields{"pattern": pattern, "removed": len(removed)})
	return len(removed), nil
}

func (m *manager) BatchGet(ctx context.Context, category string, ids []string) (map[string]any, []string, error) {
	found := make(map[string]any, len(ids))
	if len(ids) == 0 {
		return found, nil, nil
	}

	keyByID := make(map[string]string, len(ids))
	var remoteKeys []string
	idByKey := make(map[string]string, len(ids))
	var missing []string

	for _, id := range ids {
		k, err := m.key(category, id)
		if err != nil {
			return nil, nil, err
		}
		keyByID[id] = k
		if e, ok := m.localT.Get(k); ok {
			m.stats.l1Hits.Add(1)
			found[id] = e.Value
			continue
		}
		m.stats.l1Misses.Add(1)
		remoteKeys = append(remoteKeys, k)
		idByKey[k] = id
	}

	if len(remoteKeys) == 0 {
		return found, nil, nil
	}

	values := m.remoteMGet(ctx, remoteKeys)
	for _, k := range remoteKeys {
		id := idByKey[k]
		raw, ok := values[k]
		if !ok {
			m.stats.l2Misses.Add(1)
			missing = append(missing, id)
			continue
		}
		v, entry, derr := m.codec.Decode(raw)
		if derr != nil {
			m.stats.errors.Add(1)
			m.remoteDel(ctx, k)
			m.stats.l2Misses.Add(1)
			missing = append(missing, id)
			continue
		}
		m.stats.l2Hits.Add(1)
		m.localT.Set(k, local.Entry{Value: v, Category: category, ETag: entry.ETag})
		found[id] = v
	}
	return found, missing, nil
}

func (m *manager) BatchSet(ctx context.Context, category string, items map[string]any, ttl time.Duration) (map[string]error, error) {
	if len(items) == 0 {
		return nil, nil
	}
	pol := m.registry.Policy(category)
	ttl = m.resolveTTL(pol, ttl)

	encoded := make(map[string][]byte, len(items))
	var failed map[string]error
	fail := func(id string, err error) {
		if failed == nil {
			failed = make(map[string]error)
		}
		failed[id] = err
	}

	idByKey := make(map[string]string, len(items))
	for id, v := range items {
		k, err := m.key(category, id)
		if err != nil {
			return nil, err
		}
		if pol.Redact != nil {
			v = pol.Redact(v)
		}
		m.stats.sets.Add(1)
		raw, etag, encErr := m.codec.Encode(category, v, ttl, pol.Encrypt)
		m.localT.Set(k, local.Entry{Value: v, Category: category, ETag: etag})
		if encErr != nil {
			m.stats.errors.Add(1)
			fail(id, &EncodeError{Category: category, Err: encErr})
			continue
		}
		encoded[k] = raw
		idByKey[k] = id
	}

	if len(encoded) > 0 {
		perKey, err := m.remoteMSet(ctx, encoded, m.jitterTTL(ttl))
		if err != nil {
			// whole pipeline failed; every remote write is local-only now
			m.log.Warn("batch remote write failed, local-only", Fields{"category": category, "keys": len(encoded), "err": err.Error()})
		}
		for k, kerr := range perKey {
			fail(idByKey[k], kerr)
		}
	}
	return failed, nil
}

func (m *manager) WarmUp(ctx context.Context, category string) error {
	pol := m.registry.Policy(category)
	if len(pol.WarmUp) == 0 {
		return nil
	}

	var firstErr error
	for _, f := range pol.WarmUp {
		var err error
		for attempt := 0; attempt < 2; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(250 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if _, _, err = m.GetOrSet(ctx, category, f.ID, f.Fetch, pol.TTL); err == nil {
				break
			}
		}
		if err != nil {
			m.stats.errors.Add(1)
			m.log.Error("warm-up fetch failed", Fields{"category": category, "id": f.ID, "err": err.Error()})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *manager) WarmUpAll(ctx context.Context) error {
	var firstErr error
	for _, cat := range m.registry.Categories() {
		if err := m.WarmUp(ctx, cat); err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (m *manager) Stats() StatsSnapshot { return m.stats.snapshot() }
func (m *manager) ResetStats()          { m.stats.reset() }

func (m *manager) HealthCheck(ctx context.Context) Health {
	h := Health{
		BreakerState: m.br.State(),
		LocalEntries: m.localT.Len(),
	}
	pctx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
	defer cancel()
	h.RemoteHealthy = m.remote.Ping(pctx) == nil
	return h
}

// ---- remote tier access (breaker-guarded, bounded, absorbed) ----

func (m *manager) remoteGet(ctx context.Context, key string) ([]byte, bool) {
	var (
		raw []byte
		hit bool
	)
	err := m.br.Do(func() error {
		octx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
		defer cancel()
		b, ok, err := m.remote.Get(octx, key)
		if err != nil {
			return err
		}
		raw, hit = b, ok
		return nil
	})
	if err != nil {
		m.countRemoteErr("get", key, err)
		return nil, false
	}
	return raw, hit
}

func (m *manager) remoteSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := m.br.Do(func() error {
		octx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
		defer cancel()
		return m.remote.Set(octx, key, value, ttl)
	})
	if err != nil {
		m.countRemoteErr("set", key, err)
		return ErrRemoteUnavailable
	}
	return nil
}

func (m *manager) remoteDel(ctx context.Context, keys ...string) int64 {
	var n int64
	err := m.br.Do(func() error {
		octx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
		defer cancel()
		var err error
		n, err = m.remote.Del(octx, keys...)
		return err
	})
	if err != nil {
		m.countRemoteErr("del", "", err)
		return 0
	}
	return n
}

func (m *manager) remoteExpire(ctx context.Context, key string, ttl time.Duration) {
	err := m.br.Do(func() error {
		octx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
		defer cancel()
		return m.remote.Expire(octx, key, ttl)
	})
	if err != nil {
		m.countRemoteErr("expire", key, err)
	}
}

func (m *manager) remoteScan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := m.br.Do(func() error {
		octx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
		defer cancel()
		var err error
		keys, err = m.remote.Scan(octx, pattern)
		return err
	})
	if err != nil {
		m.countRemoteErr("scan", pattern, err)
		return nil, ErrRemoteUnavailable
	}
	return keys, nil
}

func (m *manager) remoteMGet(ctx context.Context, keys []string) map[string][]byte {
	var out map[string][]byte
	err := m.br.Do(func() error {
		octx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
		defer cancel()
		var err error
		out, err = m.remote.MGet(octx, keys)
		return err
	})
	if err != nil {
		m.countRemoteErr("mget", "", err)
		return map[string][]byte{}
	}
	return out
}

func (m *manager) remoteMSet(ctx context.Context, items map[string][]byte, ttl time.Duration) (map[string]error, error) {
	var perKey map[string]error
	err := m.br.Do(func() error {
		octx, cancel := context.WithTimeout(ctx, m.remoteTimeout)
		defer cancel()
		var err error
		perKey, err = m.remote.MSet(octx, items, ttl)
		return err
	})
	if err != nil {
		m.countRemoteErr("mset", "", err)
		return nil, ErrRemoteUnavailable
	}
	return perKey, nil
}

func (m *manager) countRemoteErr(op, key string, err error) {
	m.stats.errors.Add(1)
	f := Fields{"op": op, "err": err.Error()}
	if key != "" {
		f["key"] = key
	}
	if errors.Is(err, breaker.ErrOpen) {
		m.log.Debug("remote tier short-circuited", f)
		return
	}
	m.log.Warn("remote tier error", f)
}

// ResolveTTL reports the lifetime a write under category would get: an
// explicit ttl wins, then the category policy, then the manager default.
// Callers that advertise freshness, such as Cache-Control headers, use this
// to stay in step with the actual cache lifetime.
func (m *manager) ResolveTTL(category string, ttl time.Duration) time.Duration {
	return m.resolveTTL(m.registry.Policy(category), ttl)
}

func (m *manager) resolveTTL(pol Policy, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if pol.TTL > 0 {
		return pol.TTL
	}
	return m.defaultTTL
}

// jitterTTL spreads remote expiries by ±jitter/2 so a burst of writes does
// not expire as one synchronized wave.
func (m *manager) jitterTTL(ttl time.Duration) time.Duration {
	if m.jitter <= 0 || ttl <= 0 {
		return ttl
	}
	f := 1 + m.jitter*(rand.Float64()-0.5)
	return time.Duration(float64(ttl) * f)
}
