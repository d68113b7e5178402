package clinicache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is the only condition surfaced to callers as a hard
	// failure: an empty category (or namespace) cannot be keyed.
	ErrInvalidKey = errors.New("clinicache: invalid cache key")

	// ErrRemoteUnavailable marks remote-tier failures: breaker open,
	// network error, or timeout. The manager absorbs it and degrades to
	// local-only operation; it never crosses the manager boundary.
	// Lock contention is not an error at all; see lock.ErrNotAcquired.
	ErrRemoteUnavailable = errors.New("clinicache: remote tier unavailable")
)

// EncodeError wraps a serialization failure. Compression failures never
// produce one (the pipeline falls back to the uncompressed payload);
// serializer and encryption failures do.
type EncodeError struct {
	Category string
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("clinicache: encode %q: %v", e.Category, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError wraps any failure between stored bytes and a usable value:
// envelope corruption, AEAD authentication failure, decompression or
// deserialization errors. Readers treat it as a miss and discard the entry,
// never returning partial data.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("clinicache: decode %q: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
