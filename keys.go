package clinicache

import (
	"strings"

	"github.com/unkn0wn-root/clinicache/internal/util"
)

// MaxKeyLen bounds generated keys to stay under remote-store key limits.
const MaxKeyLen = 250

// SegmentSeparator splits a composite identifier into key segments. Each
// segment is sanitized independently, so callers that want pattern
// invalidation across part boundaries (e.g. the HTTP layer's method, path
// and user) join their parts with it instead of embedding ':' themselves.
const SegmentSeparator = "\x1f"

// MakeKey builds the storage key for (category, identifier parts) under a
// namespace: "<ns>:<category>:<seg>[:<seg>...]".
//
// Each part is embedded verbatim when it is short, printable ASCII with no
// whitespace or glob metacharacters; otherwise it is replaced by a short
// content hash. Identifiers therefore never break key syntax and arbitrary
// content never errors; only an empty category does. If the assembled key
// would still exceed MaxKeyLen, the category itself is hashed.
//
// Identical inputs always produce identical keys; distinct identifiers
// collide only if their SHA-256 prefixes do.
func MakeKey(namespace, category string, parts ...string) (string, error) {
	if category == "" {
		return "", ErrInvalidKey
	}
	if namespace == "" {
		return "", ErrInvalidKey
	}

	segs := make([]string, 0, 2+len(parts))
	segs = append(segs, sanitizeSegment(namespace), sanitizeSegment(category))
	for _, p := range parts {
		segs = append(segs, sanitizeSegment(p))
	}

	key := strings.Join(segs, ":")
	if len(key) > MaxKeyLen {
		// hash the category too; the namespace alone is host-controlled
		segs[1] = util.ShortHash(category)
		key = strings.Join(segs, ":")
	}
	if len(key) > MaxKeyLen {
		// still too long only when many parts were supplied; collapse the
		// identifier tail into one digest of the full original input
		tail := util.ShortHash(strings.Join(parts, "\x00"))
		key = segs[0] + ":" + segs[1] + ":" + tail
	}
	return key, nil
}

// HashedKey is MakeKey with every identifier part unconditionally hashed,
// for categories whose policy forbids raw identifiers in key names.
func HashedKey(namespace, category string, parts ...string) (string, error) {
	hashed := make([]string, len(parts))
	for i, p := range parts {
		hashed[i] = util.ShortHash(p)
	}
	return MakeKey(namespace, category, hashed...)
}

// KeySegment exposes the key codec's per-segment sanitization for callers
// that compose invalidation patterns: a pattern only matches a stored key if
// both were built from identically sanitized segments.
func KeySegment(s string) string {
	return sanitizeSegment(s)
}

// sanitizeSegment keeps a key-safe segment verbatim within a per-segment
// budget; anything else becomes its content hash. Empty parts get a fixed
// marker so positional meaning survives.
func sanitizeSegment(s string) string {
	if s == "" {
		return "-"
	}
	if len(s) <= 64 && util.SafeSegment(s) {
		return s
	}
	return util.ShortHash(s)
}
