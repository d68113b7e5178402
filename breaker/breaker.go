// Package breaker gates remote-tier calls behind a circuit breaker so a
// failing shared store stops costing a network round trip per request.
//
// One breaker guards one remote connection pool: it exists to detect systemic
// outages, not per-key hot spots. Starting closed, it opens after a run of
// consecutive failures, short-circuits every call for a recovery period, then
// admits exactly one trial call; the trial's outcome decides between closing
// and re-opening.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned without touching the network while the breaker rejects
// calls (open state, or half-open with the trial slot taken).
var ErrOpen = errors.New("breaker: circuit open")

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// StateChangeFunc observes transitions, e.g. to log them.
type StateChangeFunc func(from, to string)

type Config struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening; 0 => 5
	RecoveryTimeout  time.Duration // open duration before the trial call; 0 => 60s
	OnStateChange    StateChangeFunc
}

type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker[struct{}]
}

func New(cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	timeout := cfg.RecoveryTimeout
	if timeout <= 0 {
		timeout = DefaultRecoveryTimeout
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single trial call in half-open
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// a caller hanging up mid-call says nothing about store health
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if cfg.OnStateChange != nil {
		onChange := cfg.OnStateChange
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			onChange(from.String(), to.String())
		}
	}

	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)}
}

// Do runs fn if the breaker admits the call and feeds the outcome back.
// Returns ErrOpen without invoking fn when short-circuited.
func (b *Breaker) Do(fn func() error) error {
	done, err := b.cb.Allow()
	if err != nil {
		return ErrOpen
	}
	err = fn()
	done(err)
	return err
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
