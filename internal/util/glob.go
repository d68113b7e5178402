package util

// GlobMatch reports whether s matches pattern under redis-style glob
// semantics: '*' matches any run of bytes (including none), '?' matches any
// single byte, every other byte matches itself. Unlike path.Match there is
// no special treatment of separators, which matters because cache keys
// contain ':' and HTTP paths contain '/'.
//
// Two-pointer scan with single backtrack point; O(len(s)*len(pattern))
// worst case, linear in practice.
func GlobMatch(pattern, s string) bool {
	var (
		p, i       int
		starP      = -1
		starI      int
	)
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			starP = p
			starI = i
			p++
		case starP >= 0:
			// backtrack: let the last '*' absorb one more byte
			starI++
			i = starI
			p = starP + 1
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
