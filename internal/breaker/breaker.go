// Package breaker implements a three-state circuit breaker that fails fast when a
// collaborator keeps failing.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torwi-dev/juscash/internal/clock/system"
	"github.com/torwi-dev/juscash/internal/metrics"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// State is the breaker's admission mode.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a single trial call.
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
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen is matched by every OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned instead of invoking the operation while the breaker rejects calls.
type OpenError struct {
	Name       string
	Failures   int
	Threshold  int
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open (%d/%d failures), retry in %s",
		e.Name, e.Failures, e.Threshold, e.RetryAfter.Round(time.Millisecond))
}

// Is lets errors.Is(err, ErrOpen) match.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Config tunes a Breaker.
type Config struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure classifies errors that count toward opening the breaker. Unclassified
	// errors pass through without touching state. Nil counts every error except
	// context cancellation.
	IsFailure func(error) bool
}

// Stats is a point-in-time snapshot of a Breaker.
type Stats struct {
	Name        string
	State       State
	Failures    int
	Threshold   int
	LastFailure time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock injects a time source.
func WithClock(c Clock) Option {
	return func(b *Breaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger attaches a logger for state transitions.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// Breaker guards calls to one collaborator. It is safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	clock       Clock
	logger      *zap.Logger
	state       State
	failures    int
	lastFailure time.Time
	trialActive bool
}

// New builds a closed Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	b := &Breaker{
		cfg:    cfg,
		clock:  system.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("breaker", cfg.Name))
	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// errPanicked is recorded for an operation that panicked. It always counts as a failure.
var errPanicked = errors.New("operation panicked")

// Do runs op if the breaker admits the call and records its outcome. A panic in op is
// recorded as a failure before it propagates.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	returned := false
	defer func() {
		if !returned {
			b.record(errPanicked, trial)
		}
	}()
	opErr := op(ctx)
	returned = true
	b.record(opErr, trial)
	return opErr
}

// Execute runs op through b and returns its value.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	})
	return out, err
}

// State returns the current state, moving Open to HalfOpen when the timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:        b.cfg.Name,
		State:       b.state,
		Failures:    b.failures,
		Threshold:   b.cfg.FailureThreshold,
		LastFailure: b.lastFailure,
	}
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()
	switch b.state {
	case StateOpen:
		return false, b.openErrorLocked()
	case StateHalfOpen:
		if b.trialActive {
			return false, b.openErrorLocked()
		}
		b.trialActive = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(err error, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialActive = false
	}
	switch {
	case err == nil:
		if trial {
			b.failures = 0
			b.transitionLocked(StateClosed)
		} else if b.state == StateClosed {
			b.failures = 0
		}
	case errors.Is(err, errPanicked) || b.cfg.IsFailure(err):
		b.failures++
		b.lastFailure = b.clock.Now()
		if trial || (b.state == StateClosed && b.failures >= b.cfg.FailureThreshold) {
			b.transitionLocked(StateOpen)
		}
	}
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state != StateOpen {
		return
	}
	if b.clock.Now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) openErrorLocked() *OpenError {
	retry := time.Duration(0)
	if b.state == StateOpen {
		retry = b.cfg.RecoveryTimeout - b.clock.Now().Sub(b.lastFailure)
		if retry < 0 {
			retry = 0
		}
	}
	return &OpenError{
		Name:       b.cfg.Name,
		Failures:   b.failures,
		Threshold:  b.cfg.FailureThreshold,
		RetryAfter: retry,
	}
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	metrics.SetBreakerState(b.cfg.Name, int(next))
	fields := []zap.Field{
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.Int("failures", b.failures),
	}
	if next == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
		return
	}
	b.logger.Info("circuit breaker state changed", fields...)
}
