package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashLen is the number of hex characters kept from a SHA-256 digest when a
// key segment is replaced by its content hash.
const HashLen = 16

// ShortHash returns the first HashLen hex chars of SHA-256(s).
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:HashLen]
}

// SafeSegment reports whether s can be embedded verbatim in a cache key:
// non-empty printable ASCII with no whitespace and none of the characters
// reserved by the key codec (':') or the remote store's glob syntax.
func SafeSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c > '~' {
			return false
		}
		switch c {
		case ':', '*', '?', '[', ']':
			return false
		}
	}
	return true
}
