package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

// retryErr runs an error-only fn through DoVal.
func retryErr(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func TestDoVal_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := retryErr(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := retryErr(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoVal_ExhaustsRetries(t *testing.T) {
	var calls int
	err := retryErr(context.Background(), fastRetry(4), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("rate limited"), 429)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 429, StatusCode(err))
}

func TestDoVal_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	err := retryErr(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return &StatusError{Method: "GET", URL: "https://wiki", StatusCode: 404}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second}

	var calls int
	done := make(chan error, 1)
	go func() {
		done <- retryErr(ctx, cfg, func(_ context.Context) error {
			calls++
			return NewTransientError(errors.New("busy"), 503)
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("DoVal did not stop on cancellation")
	}
}

func TestDoVal_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = retryErr(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("x"), 500)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(error) bool { return true }

	_ = retryErr(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("plain")
	})
	assert.Equal(t, 3, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	var calls int
	v, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("x"), 502)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDoVal_RetryAfterCappedByMaxBackoff(t *testing.T) {
	cfg := fastRetry(2)
	start := time.Now()
	_, err := DoVal(context.Background(), cfg, func(_ context.Context) (int, error) {
		te := NewTransientError(errors.New("slow down"), 429)
		te.RetryAfter = time.Hour
		return 0, te
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestComputeBackoff_Doubling(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 16 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, computeBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, computeBackoff(1, cfg))
	assert.Equal(t, 4*time.Second, computeBackoff(2, cfg))
	assert.Equal(t, 16*time.Second, computeBackoff(10, cfg))
}

func TestComputeBackoff_WithJitter(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 16 * time.Second, Multiplier: 2, JitterFraction: 0.2}
	for range 50 {
		d := computeBackoff(1, cfg)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := applyDefaults(RetryConfig{})
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 16*time.Second, cfg.MaxBackoff)
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(3, 250, 2000, 3, 0)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 3.0, cfg.Multiplier, 0.001)
	assert.Zero(t, cfg.JitterFraction)

	def := FromRetryConfig(0, 0, 0, 0, -1)
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, def.MaxAttempts)
	assert.InDelta(t, 0.2, def.JitterFraction, 0.001)
}

func TestRetryLogger(t *testing.T) {
	fn := RetryLogger("wiki.list")
	fn(1, NewTransientError(errors.New("x"), 429))
}
