package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
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

func newTestBreaker(clock *fakeClock) *DomainCircuitBreaker {
	return New(Config{
		FailureThreshold: 5,
		HalfOpenTimeout:  60 * time.Second,
		BaseRetryDelay:   5 * time.Second,
		MaxRetries:       3,
		Rand:             func() float64 { return 0 },
	}, clock, nil)
}

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		require.Equal(t, crawler.CircuitClosed, b.RecordFailure("shop.com", crawler.FailureTransient))
		require.True(t, b.CanExecute("shop.com"))
	}
	require.Equal(t, crawler.CircuitOpen, b.RecordFailure("shop.com", crawler.FailureTransient))
	require.False(t, b.CanExecute("shop.com"))

	clock.Advance(59 * time.Second)
	require.False(t, b.CanExecute("shop.com"))

	clock.Advance(2 * time.Second)
	require.True(t, b.CanExecute("shop.com"))
	require.Equal(t, crawler.CircuitHalfOpen, b.State("shop.com").State)

	b.RecordSuccess("shop.com")
	state := b.State("shop.com")
	require.Equal(t, crawler.CircuitClosed, state.State)
	require.Zero(t, state.Failures)
	require.Zero(t, state.RetryCount)
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure("shop.com", crawler.FailureTransient)
	}
	clock.Advance(61 * time.Second)

	require.True(t, b.CanExecute("shop.com"))
	require.False(t, b.CanExecute("shop.com"))

	clock.Advance(61 * time.Second)
	require.True(t, b.CanExecute("shop.com"), "stale probe should be replaced")
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure("shop.com", crawler.FailureTransient)
	}
	clock.Advance(61 * time.Second)
	require.True(t, b.CanExecute("shop.com"))

	require.Equal(t, crawler.CircuitOpen, b.RecordFailure("shop.com", crawler.FailureCaptcha))
	require.False(t, b.CanExecute("shop.com"))
	require.Equal(t, crawler.FailureCaptcha, b.State("shop.com").LastKind)

	clock.Advance(61 * time.Second)
	require.True(t, b.CanExecute("shop.com"))
}

func TestBreaker_FailureWindowForgetsStaleFailures(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(Config{FailureThreshold: 2, FailureWindow: time.Minute}, clock, nil)

	b.RecordFailure("shop.com", crawler.FailureTransient)
	clock.Advance(2 * time.Minute)
	require.Equal(t, crawler.CircuitClosed, b.RecordFailure("shop.com", crawler.FailureTransient))
	require.Equal(t, 1, b.State("shop.com").Failures)
}

func TestBreaker_RetryDelayBacksOffAndStops(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for _, expected := range want {
		delay, ok := b.RetryDelay("shop.com")
		require.True(t, ok)
		require.Equal(t, expected, delay)
	}
	_, ok := b.RetryDelay("shop.com")
	require.False(t, ok)
}

func TestBreaker_RetryDelayJitterBounded(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(Config{BaseRetryDelay: time.Second, MaxRetries: 2, Rand: func() float64 { return 0.999 }}, clock, nil)

	delay, ok := b.RetryDelay("shop.com")
	require.True(t, ok)
	require.GreaterOrEqual(t, delay, time.Second)
	require.LessOrEqual(t, delay, 1100*time.Millisecond)
}

func TestBreaker_ResetAndReadsAreSideEffectFree(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure("shop.com", crawler.FailureBlocked)
	}
	clock.Advance(2 * time.Minute)

	// Reading state must not perform the lazy half-open transition.
	require.Equal(t, crawler.CircuitOpen, b.State("shop.com").State)
	require.Len(t, b.Snapshot(), 1)
	require.Equal(t, crawler.CircuitOpen, b.Snapshot()[0].State)

	b.Reset("shop.com")
	require.Equal(t, crawler.CircuitClosed, b.State("shop.com").State)
	require.True(t, b.CanExecute("shop.com"))
	require.Equal(t, crawler.CircuitClosed, b.State("unknown.com").State)
}
