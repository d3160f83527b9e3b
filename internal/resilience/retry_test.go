package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDoVal_SuccessAfterRetry(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastPolicy(), func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("temporary"), 503)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastPolicy(), func(_ context.Context) (int, error) {
		calls++
		return 42, NewTransientError(errors.New("always"), 500)
	})

	require.Error(t, err)
	assert.Equal(t, 0, val)
	assert.Equal(t, 3, calls)
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomShouldRetryAndOnRetry(t *testing.T) {
	sentinel := errors.New("quota")
	p := fastPolicy()
	p.ShouldRetry = func(err error) bool { return errors.Is(err, sentinel) }
	var retried []int
	p.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	var calls int
	err := Do(context.Background(), p, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return sentinel
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, retried)
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	var calls int
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(_ context.Context) error {
			calls++
			return NewTransientError(errors.New("temporary"), 503)
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not stop on cancellation")
	}
}

func TestPolicy_BackoffGrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(10))
}

func TestPolicy_BackoffUsesJitterFunc(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: func(d time.Duration) time.Duration {
		return d + time.Millisecond
	}}

	assert.Equal(t, 101*time.Millisecond, p.Backoff(0))
}

func TestProportionalJitter_Bounds(t *testing.T) {
	j := ProportionalJitter(0.25)
	require.NotNil(t, j)
	for range 200 {
		d := j(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Nil(t, ProportionalJitter(0))
}
