// Package lock provides remote-store-backed mutual exclusion with ownership
// tokens and TTL, used to collapse concurrent recomputation of the same
// missing cache value across processes.
//
// The lock is advisory: a crashed holder is recovered by TTL expiry, so
// correctness of the surrounding system must not depend on the lock being
// unbreakable. Pick TTLs that exceed the expected protected-section duration
// with margin.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/clinicache/provider"
)

// ErrNotAcquired is the expected outcome when another caller holds the lock.
// It signals "someone else is already doing the work", not a failure.
var ErrNotAcquired = errors.New("lock: not acquired")

const DefaultTTL = 30 * time.Second

type Locker struct {
	p provider.Provider
}

func New(p provider.Provider) *Locker {
	if p == nil {
		panic("lock: nil provider")
	}
	return &Locker{p: p}
}

// Acquire attempts to take the lock via a conditional SET ("set if not
// present") with expiry. On success the returned token proves ownership;
// on contention it returns ok=false without waiting.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token = uuid.NewString()
	ok, err = l.p.SetNX(ctx, key, []byte(token), ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Release frees the lock only if it is still owned by token. The check and
// the delete execute as one atomic server-side operation; a holder whose TTL
// expired and whose key was reacquired by somebody else gets false and the
// new owner's lock stays intact.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return l.p.CompareAndDelete(ctx, key, []byte(token))
}

// WithLock runs fn while holding the lock and releases it afterwards even if
// fn panics. Returns ErrNotAcquired when the lock is held elsewhere; any
// other error comes from fn itself. Release failures are ignored: TTL expiry
// is the backstop.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		_, _ = l.Release(ctx, key, token)
	}()
	return fn(ctx)
}
