// Package resilience guards calls to external collaborators (classifier
// backends, sentence generators) with a circuit breaker so a dead dependency
// is skipped quickly instead of stalling every frame.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the guarded function while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
}

func defaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker trips open after FailureThreshold consecutive failures and lets a
// probe through once ResetTimeout has passed. The lock is never held while
// the guarded call runs.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	clock  func() time.Time
	logger *slog.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenRequests    int
}

func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	defaults := defaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaults.ResetTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  time.Now,
		logger: logger.With(slog.String("component", "breaker"), slog.String("name", name)),
		state:  StateClosed,
	}
}

// WithClock replaces the time source; used by tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.mu.Lock()
	b.clock = clock
	b.mu.Unlock()
	return b
}

// Execute runs fn when the breaker allows it. Cancellation of ctx by the
// caller is not counted as a dependency failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(ctx, err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenRequests = 0
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		elapsed := b.clock().Sub(b.lastFailure)
		if elapsed < b.cfg.ResetTimeout {
			return fmt.Errorf("%w: %s (retry after %v)", ErrCircuitOpen, b.name, b.cfg.ResetTimeout-elapsed)
		}
		b.state = StateHalfOpen
		b.halfOpenRequests = 1
		b.logger.Info("circuit half-open")
	case StateHalfOpen:
		if b.halfOpenRequests >= b.cfg.HalfOpenMaxRequests {
			return fmt.Errorf("%w: %s (probe in flight)", ErrCircuitOpen, b.name)
		}
		b.halfOpenRequests++
	}
	return nil
}

func (b *Breaker) after(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state == StateHalfOpen {
			b.logger.Info("circuit closed")
		}
		b.state = StateClosed
		b.consecutiveFailures = 0
		b.halfOpenRequests = 0
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		if b.state == StateHalfOpen && b.halfOpenRequests > 0 {
			b.halfOpenRequests--
		}
		return
	}
	b.lastFailure = b.clock()
	b.consecutiveFailures++
	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn("circuit opened", slog.Int("consecutive_failures", b.consecutiveFailures))
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenRequests = 0
		b.logger.Warn("circuit re-opened after failed probe")
	}
}
