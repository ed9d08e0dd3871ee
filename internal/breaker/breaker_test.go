package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(Config{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
	}, WithClock(clk), WithLogger(zap.NewNop()))
	return b, clk
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(context.Background(), fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	var called bool
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "operation must not run while open")
	assert.ErrorIs(t, err, ErrOpen)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
	assert.Equal(t, 3, openErr.Failures)
	assert.Equal(t, 3, openErr.Threshold)
	assert.Equal(t, time.Minute, openErr.RetryAfter)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)
	require.NoError(t, b.Do(context.Background(), succeed))
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Stats().Failures)
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(2, 30*time.Second)
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Do(context.Background(), succeed), ErrOpen)

	clk.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().Failures)
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(2, 30*time.Second)
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)
	clk.Advance(30 * time.Second)

	require.ErrorIs(t, b.Do(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, b.Stats().Failures)

	clk.Advance(10 * time.Second)
	var openErr *OpenError
	require.ErrorAs(t, b.Do(context.Background(), succeed), &openErr)
	assert.Equal(t, 20*time.Second, openErr.RetryAfter)
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(1, time.Second)
	_ = b.Do(context.Background(), fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var trials atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), func(context.Context) error {
			trials.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Do(context.Background(), func(context.Context) error {
		trials.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), trials.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerPanickingTrialReopens(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(Config{
		Name:             "test",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		IsFailure:        func(err error) bool { return errors.Is(err, errBoom) },
	}, WithClock(clk))
	_ = b.Do(context.Background(), fail)
	clk.Advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	assert.PanicsWithValue(t, "page crashed", func() {
		_ = b.Do(context.Background(), func(context.Context) error { panic("page crashed") })
	})
	assert.Equal(t, StateOpen, b.State(), "a panicking trial counts as a failure")
	assert.Equal(t, 2, b.Stats().Failures)

	clk.Advance(time.Second)
	require.NoError(t, b.Do(context.Background(), succeed), "the next trial is admitted")
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerPanicCountsTowardThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(2, time.Minute)
	for i := 0; i < 2; i++ {
		assert.Panics(t, func() {
			_ = b.Do(context.Background(), func(context.Context) error { panic(errBoom) })
		})
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerUnclassifiedErrorsPassThrough(t *testing.T) {
	t.Parallel()

	errIgnored := errors.New("not found")
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := New(Config{
		Name:             "classified",
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errIgnored) },
	}, WithClock(clk))

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Do(context.Background(), func(context.Context) error { return errIgnored }), errIgnored)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().Failures)

	require.ErrorIs(t, b.Do(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresCancellationByDefault(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(1, time.Minute)
	err := b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestExecuteReturnsValue(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(2, time.Minute)
	got, err := Execute(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Execute(context.Background(), b, func(context.Context) (string, error) { return "", errBoom })
	require.ErrorIs(t, err, errBoom)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "state(9)", State(9).String())
}
