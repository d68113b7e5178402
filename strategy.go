package clinicache

import (
	"context"
	"time"
)

// Built-in data categories. Hosts may register any category name;
// these are the ones the platform itself caches under.
const (
	CategoryUserProfile   = "USER_PROFILE"
	CategoryPatientRecord = "PATIENT_RECORD"
	CategorySession       = "SESSION"
	CategoryFormSchema    = "FORM_SCHEMA"
	CategoryHTTPResponse  = "HTTP_RESPONSE"
)

// FetchFunc computes a value on a cache miss. It must honor ctx: the manager
// applies a timeout below the fetch lock's TTL so a stuck fetch cannot
// outlive its lock.
type FetchFunc func(ctx context.Context) (any, error)

// WarmUpFetcher pre-populates one key of a category at process start or on
// demand.
type WarmUpFetcher struct {
	ID    string // identifier within the category
	Fetch FetchFunc
}

// Policy is the per-category caching contract. Policies are fixed at
// construction; new categories are added by registering a policy, not by
// writing new code paths.
type Policy struct {
	// TTL for remote-tier entries; 0 falls back to the manager default.
	TTL time.Duration

	// Encrypt requires the payload pipeline's AEAD for this category's
	// entries at rest in the remote tier.
	Encrypt bool

	// HashIdentifier forces identifiers into content hashes so raw values
	// (which may be sensitive) never appear in remote key names. It also
	// makes per-identifier pattern invalidation impossible; categories
	// relying on pattern fan-out should leave it off.
	HashIdentifier bool

	// Redact, when set, transforms a value before it is cached (e.g.
	// stripping secrets from a profile). Reads return the redacted form.
	Redact func(v any) any

	// WarmUp fetchers registered for pre-population.
	WarmUp []WarmUpFetcher
}

// Registry maps data categories to policies. Built once at startup,
// immutable thereafter; lookups are lock-free.
type Registry struct {
	policies map[string]Policy
	fallback Policy
}

// NewRegistry copies policies into an immutable registry. Categories without
// an entry resolve to fallback.
func NewRegistry(policies map[string]Policy, fallback Policy) *Registry {
	m := make(map[string]Policy, len(policies))
	for k, v := range policies {
		m[k] = v
	}
	return &Registry{policies: m, fallback: fallback}
}

// Policy resolves the policy for a category.
func (r *Registry) Policy(category string) Policy {
	if p, ok := r.policies[category]; ok {
		return p
	}
	return r.fallback
}

// Categories lists registered category names (order unspecified).
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.policies))
	for k := range r.policies {
		out = append(out, k)
	}
	return out
}

// StripFields builds a Redact func that drops the named top-level fields
// from map-shaped values. Non-map values pass through untouched. The input
// map is not mutated.
func StripFields(fields ...string) func(any) any {
	drop := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		drop[f] = struct{}{}
	}
	return func(v any) any {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(m))
		for k, val := range m {
			if _, skip := drop[k]; skip {
				continue
			}
			out[k] = val
		}
		return out
	}
}

// DefaultPolicies is the platform's stock policy table. Clinical and session
// data is encrypted at rest in the remote tier with identifiers hashed out
// of key names; schemas and whole HTTP responses are neither sensitive in
// key space nor worth the cipher cost.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		CategoryUserProfile: {
			TTL:     15 * time.Minute,
			Encrypt: true,
			Redact:  StripFields("password", "password_hash", "security_answers", "mfa_secret"),
		},
		CategoryPatientRecord: {
			TTL:            5 * time.Minute,
			Encrypt:        true,
			HashIdentifier: true,
		},
		CategorySession: {
			TTL:            30 * time.Minute,
			Encrypt:        true,
			HashIdentifier: true,
			Redact:         StripFields("csrf_secret"),
		},
		CategoryFormSchema: {
			TTL: 6 * time.Hour,
		},
		CategoryHTTPResponse: {
			TTL: 5 * time.Minute,
		},
	}
}
