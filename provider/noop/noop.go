// Package noop implements the provider for deployments that run without a
// remote tier (caching degraded to process-local only). Reads always miss,
// writes succeed and store nothing.
//
// Selecting this provider at startup replaces environment sniffing: the host
// decides once, by configuration, whether a real remote tier exists.
package noop

import (
	"context"
	"time"

	pr "github.com/unkn0wn-root/clinicache/provider"
)

type Noop struct{}

var _ pr.Provider = Noop{}

func New() Noop { return Noop{} }

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

// SetNX always reports a successful acquisition: with no shared store there
// is no cross-process contention to arbitrate.
func (Noop) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (Noop) Del(context.Context, ...string) (int64, error) { return 0, nil }

func (Noop) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return true, nil
}

func (Noop) Scan(context.Context, string) ([]string, error) { return nil, nil }

func (Noop) MGet(_ context.Context, _ []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (Noop) MSet(context.Context, map[string][]byte, time.Duration) (map[string]error, error) {
	return nil, nil
}

func (Noop) Expire(context.Context, string, time.Duration) error { return nil }

func (Noop) Ping(context.Context) error { return nil }

func (Noop) Close(context.Context) error { return nil }
