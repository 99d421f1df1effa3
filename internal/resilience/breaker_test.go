package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

var errBackend = errors.New("backend down")

func failing(context.Context) error { return errBackend }
func ok(context.Context) error      { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker("classifier", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second}, newLogger()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errBackend) {
			t.Fatalf("attempt %d: expected backend error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected short circuit, got %v called=%v", err, called)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker("sentence", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, newLogger()).WithClock(clock.Now)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	clock.now = clock.now.Add(1500 * time.Millisecond)

	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("expected probe to run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker("sentence", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, newLogger()).WithClock(clock.Now)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	clock.now = clock.now.Add(2 * time.Second)
	_ = b.Execute(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("expected re-open, got %s", b.State())
	}
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	b := NewBreaker("classifier", BreakerConfig{FailureThreshold: 1}, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if b.State() != StateClosed {
		t.Fatalf("cancellation must not trip the breaker")
	}
}

func TestNilBreakerPassesThrough(t *testing.T) {
	var b *Breaker
	if err := b.Execute(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
