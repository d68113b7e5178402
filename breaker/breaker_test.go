package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failN(b *Breaker, n int, err error) {
	for i := 0; i < n; i++ {
		_ = b.Do(func() error { return err })
	}
}

func TestStartsClosed(t *testing.T) {
	b := New(Config{})
	if st := b.State(); st != "closed" {
		t.Fatalf("new breaker state %q, want closed", st)
	}

	ran := false
	if err := b.Do(func() error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("closed breaker should run fn: ran=%v err=%v", ran, err)
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	boom := errors.New("store down")

	failN(b, 2, boom)
	if st := b.State(); st != "closed" {
		t.Fatalf("below threshold, state %q", st)
	}

	failN(b, 1, boom)
	if st := b.State(); st != "open" {
		t.Fatalf("at threshold, state %q, want open", st)
	}
}

// A success resets the consecutive-failure run.
func TestSuccessResetsRun(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	boom := errors.New("store down")

	failN(b, 2, boom)
	_ = b.Do(func() error { return nil })
	failN(b, 2, boom)

	if st := b.State(); st != "closed" {
		t.Fatalf("interleaved success should keep breaker closed, state %q", st)
	}
}

// Open breaker returns ErrOpen without invoking fn.
func TestOpenShortCircuits(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	failN(b, 1, errors.New("down"))

	calls := 0
	err := b.Do(func() error { calls++; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("short-circuited call still ran fn")
	}
}

// After the recovery timeout, exactly one trial runs; its outcome decides.
func TestHalfOpenTrial(t *testing.T) {
	t.Run("trial success closes", func(t *testing.T) {
		b := New(Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
		failN(b, 1, errors.New("down"))
		time.Sleep(30 * time.Millisecond)

		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("trial call failed: %v", err)
		}
		if st := b.State(); st != "closed" {
			t.Fatalf("after successful trial, state %q", st)
		}
	})

	t.Run("trial failure reopens", func(t *testing.T) {
		b := New(Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
		failN(b, 1, errors.New("down"))
		time.Sleep(30 * time.Millisecond)

		boom := errors.New("still down")
		if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("trial should surface fn error, got %v", err)
		}
		if st := b.State(); st != "open" {
			t.Fatalf("after failed trial, state %q", st)
		}
	})
}

// A caller hanging up mid-call is not evidence of store failure.
func TestContextCanceledNotCounted(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	_ = b.Do(func() error { return context.Canceled })
	if st := b.State(); st != "closed" {
		t.Fatalf("context.Canceled tripped the breaker, state %q", st)
	}

	// a real timeout does count
	_ = b.Do(func() error { return context.DeadlineExceeded })
	if st := b.State(); st != "open" {
		t.Fatalf("DeadlineExceeded should count as failure, state %q", st)
	}
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		OnStateChange: func(from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})

	failN(b, 1, errors.New("down"))
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}
