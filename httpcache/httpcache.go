// Package httpcache is the cache-aside layer for whole request/response
// pairs, built on the tiered manager.
//
// For configured routes it caches GET/HEAD responses keyed by method, path,
// sorted query, and (for private routes) the requesting user. Hits are
// served with ETag and cache-control headers reconstructed from the stored
// entry; a conditional request carrying the current ETag gets 304 without a
// body. Routes on the deny list (auth, payment, admin, emergency and
// anything configured) bypass caching entirely regardless of route rules.
package httpcache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/clinicache"
)

// DefaultDenyPrefixes always bypass the cache. Clinical safety over
// performance: an emergency page must never be a stale copy.
var DefaultDenyPrefixes = []string{"/auth", "/login", "/logout", "/payment", "/admin", "/emergency"}

// DefaultGzipMin is the body size from which hits are served gzip-encoded to
// accepting clients.
const DefaultGzipMin = 1024

// errUncacheable makes GetOrSet skip storing a response that must not be
// cached (non-200, uncacheable content type). The recorded response is still
// served to the client.
var errUncacheable = errors.New("httpcache: response not cacheable")

// UserIDFunc extracts the requesting user's id, for private routes. Return
// "" for anonymous requests.
type UserIDFunc func(*http.Request) string

// Route marks a path prefix as cacheable.
type Route struct {
	Prefix  string
	TTL     time.Duration // 0 => category policy TTL
	Private bool          // vary by user id and emit Cache-Control: private
}

type Config struct {
	// Required.
	Manager clinicache.Manager

	// Routes eligible for caching; longest matching prefix wins.
	Routes []Route

	// Deny prefixes on top of DefaultDenyPrefixes.
	Deny []string

	// UserID resolves the requesting user for private routes. Private
	// routes without a resolvable user bypass the cache.
	UserID UserIDFunc

	// Category under which responses are stored; "" => HTTP_RESPONSE.
	Category string

	// GzipMin overrides DefaultGzipMin; negative disables hit compression.
	GzipMin int

	Logger clinicache.Logger
}

type ResponseCache struct {
	mgr      clinicache.Manager
	routes   []Route
	deny     []string
	userID   UserIDFunc
	category string
	gzipMin  int
	log      clinicache.Logger
}

func New(cfg Config) (*ResponseCache, error) {
	if cfg.Manager == nil {
		return nil, errors.New("httpcache: manager is required")
	}
	rc := &ResponseCache{
		mgr:      cfg.Manager,
		routes:   append([]Route(nil), cfg.Routes...),
		deny:     append(append([]string(nil), DefaultDenyPrefixes...), cfg.Deny...),
		userID:   cfg.UserID,
		category: cfg.Category,
		gzipMin:  cfg.GzipMin,
		log:      cfg.Logger,
	}
	if rc.category == "" {
		rc.category = clinicache.CategoryHTTPResponse
	}
	if rc.gzipMin == 0 {
		rc.gzipMin = DefaultGzipMin
	}
	if rc.log == nil {
		rc.log = clinicache.NopLogger{}
	}
	// longest prefix first so the most specific rule wins
	sort.Slice(rc.routes, func(i, j int) bool {
		return len(rc.routes[i].Prefix) > len(rc.routes[j].Prefix)
	})
	return rc, nil
}

// entry is the stored response. It is marshaled to bytes before it enters
// the manager so both tiers hand back the identical representation.
type entry struct {
	Status   int         `msgpack:"status"`
	Header   http.Header `msgpack:"header"`
	Body     []byte      `msgpack:"body"`
	ETag     string      `msgpack:"etag"`
	CachedAt int64       `msgpack:"cached_at"`
	TTLSecs  int64       `msgpack:"ttl_secs"`
}

// Middleware wraps next with response caching.
func (rc *ResponseCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, uid, ok := rc.cacheable(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		id := rc.identifier(r, uid)
		ttl := rc.mgr.ResolveTTL(rc.category, route.TTL)

		rec := newRecorder()
		fetched, src, err := rc.mgr.GetOrSet(r.Context(), rc.category, id, func(ctx context.Context) (any, error) {
			next.ServeHTTP(rec, r.WithContext(ctx))
			e := rec.entry(ttl)
			if !storable(e) {
				return nil, errUncacheable
			}
			b, merr := msgpack.Marshal(e)
			if merr != nil {
				return nil, merr
			}
			return b, nil
		}, route.TTL)

		if err == nil {
			if e, ok := decodeEntry(fetched); ok {
				rc.serve(w, r, e, route, src != clinicache.SourceMiss)
				return
			}
		}
		// uncacheable, fetch failure, or an undecodable flight result:
		// serve what the handler produced, or run it uncached if our
		// closure never ran (another caller's flight won)
		if rec.status != 0 {
			rec.replay(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cacheable resolves the matching route and user, if this request may be
// served from cache at all.
func (rc *ResponseCache) cacheable(r *http.Request) (Route, string, bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return Route{}, "", false
	}
	for _, d := range rc.deny {
		if strings.HasPrefix(r.URL.Path, d) {
			return Route{}, "", false
		}
	}
	for _, rt := range rc.routes {
		if !strings.HasPrefix(r.URL.Path, rt.Prefix) {
			continue
		}
		var uid string
		if rt.Private {
			if rc.userID == nil {
				return Route{}, "", false
			}
			uid = rc.userID(r)
			if uid == "" {
				return Route{}, "", false
			}
		}
		return rt, uid, true
	}
	return Route{}, "", false
}

// identifier builds the manager identifier: method, path, query, and user,
// each its own key segment ("-" marks no query or an anonymous user). The
// path never shares a segment with the query, so it stays verbatim in the
// key and route-prefix invalidation patterns reach every query variant. The
// trailing user marker gives user-scoped invalidation a fixed position too.
func (rc *ResponseCache) identifier(r *http.Request, uid string) string {
	q := sortedQuery(r)
	if q == "" {
		q = "-"
	}
	if uid == "" {
		uid = "-"
	}
	return strings.Join([]string{r.Method, r.URL.Path, "q", q, "u", uid}, clinicache.SegmentSeparator)
}

func sortedQuery(r *http.Request) string {
	q := r.URL.Query()
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

func (rc *ResponseCache) serve(w http.ResponseWriter, r *http.Request, e entry, route Route, hit bool) {
	if e.ETag != "" && r.Header.Get("If-None-Match") == e.ETag {
		h := w.Header()
		h.Set("ETag", e.ETag)
		h.Set("X-Cache", xCache(hit))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h := w.Header()
	for k, vals := range e.Header {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	cc := "max-age=" + strconv.FormatInt(e.TTLSecs, 10)
	if route.Private {
		cc += ", private"
	}
	h.Set("Cache-Control", cc)
	if e.ETag != "" {
		h.Set("ETag", e.ETag)
	}
	h.Set("X-Cache", xCache(hit))
	h.Set("X-Cache-Timestamp", time.Unix(e.CachedAt, 0).UTC().Format(time.RFC3339))

	body := e.Body
	if rc.shouldGzip(r, e) {
		if gz, err := gzipBody(body); err == nil && len(gz) < len(body) {
			h.Set("Content-Encoding", "gzip")
			h.Del("Content-Length")
			body = gz
		}
	}

	w.WriteHeader(e.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func (rc *ResponseCache) shouldGzip(r *http.Request, e entry) bool {
	if rc.gzipMin < 0 || len(e.Body) < rc.gzipMin {
		return false
	}
	if e.Header.Get("Content-Encoding") != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func xCache(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

// storable keeps only plain successful responses in the cache.
func storable(e entry) bool {
	return e.Status == http.StatusOK
}

func decodeEntry(v any) (entry, bool) {
	b, ok := v.([]byte)
	if !ok {
		return entry{}, false
	}
	var e entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return entry{}, false
	}
	return e, true
}

func gzipBody(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ---- invalidation ----

// InvalidateRoute removes cached responses whose path starts with path, for
// every method, query variant and user. Paths too long to sit verbatim in a
// key segment are hashed and reached by age-out instead.
func (rc *ResponseCache) InvalidateRoute(ctx context.Context, path string) (int, error) {
	// keys look like <ns>:<category>:<method>:<path>:q:<query>:u:<uid>
	pattern := rc.mgr.Namespace() + ":" + rc.category + ":*:" + clinicache.KeySegment(path) + "*"
	return rc.mgr.InvalidatePattern(ctx, pattern)
}

// InvalidateUserCache removes every cached response stored for one user's
// private routes.
func (rc *ResponseCache) InvalidateUserCache(ctx context.Context, userID string) (int, error) {
	pattern := rc.mgr.Namespace() + ":" + rc.category + ":*:u:" + clinicache.KeySegment(userID)
	return rc.mgr.InvalidatePattern(ctx, pattern)
}

// InvalidatePattern passes a raw glob through to the manager, for mutating
// endpoints with bespoke fan-out.
func (rc *ResponseCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	return rc.mgr.InvalidatePattern(ctx, pattern)
}
