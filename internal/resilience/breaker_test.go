package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTimeout = NewTransientError(errors.New("upstream 503"), 503)

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func ok(context.Context) error { return nil }

func testBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker("salesforce", BreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail(errTimeout)))
	}
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail(errTimeout))
	_ = b.Execute(ctx, fail(errTimeout))
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, 0, b.Failures())
	_ = b.Execute(ctx, fail(errTimeout))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b, _ := testBreaker(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail(Permanentf("INVALID_FIELD: Name")))
	}
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := testBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail(errTimeout))
	require.Equal(t, Open, b.State())

	*now = now.Add(time.Minute)
	assert.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail(errTimeout))
	*now = now.Add(2 * time.Minute)
	require.Error(t, b.Execute(ctx, fail(errTimeout)))
	assert.Equal(t, Open, b.State())

	*now = now.Add(30 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrCircuitOpen)
}

func TestBreaker_CustomTrips(t *testing.T) {
	b := NewBreaker("x", BreakerConfig{FailureThreshold: 1, Trips: func(error) bool { return true }})
	_ = b.Execute(context.Background(), fail(errors.New("anything")))
	assert.Equal(t, Open, b.State())
}

func TestBreaker_Concurrent(t *testing.T) {
	b := NewBreaker("x", BreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(context.Background(), fail(errTimeout))
				return
			}
			_ = b.Execute(context.Background(), ok)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, Closed, b.State())
}

func TestNewBreakerConfig(t *testing.T) {
	cfg := NewBreakerConfig(0, 0)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.ResetTimeout)

	cfg = NewBreakerConfig(3, 10)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.ResetTimeout)
}

func TestBreakers(t *testing.T) {
	r := NewBreakers(BreakerConfig{FailureThreshold: 1})
	sf := r.Get("salesforce")
	assert.Same(t, sf, r.Get("salesforce"))
	assert.NotSame(t, sf, r.Get("hubspot"))

	_ = sf.Execute(context.Background(), fail(errTimeout))
	assert.Equal(t, map[string]string{"salesforce": "open", "hubspot": "closed"}, r.States())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
