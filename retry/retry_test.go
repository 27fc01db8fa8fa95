package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryAfterErr struct{ d time.Duration }

func (e *retryAfterErr) Error() string                     { return "retry after hint" }
func (e *retryAfterErr) RetryAfter() (time.Duration, bool) { return e.d, true }

func TestDoReturnsNilOnFirstSuccess(t *testing.T) {
	h := New(Config{MaxRetries: 3, MinBackoff: time.Millisecond})
	calls := 0
	err := h.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	h := New(Config{MaxRetries: 5, MinBackoff: time.Millisecond, Strategy: StrategyFixed})
	calls := 0
	err := h.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxRetries(t *testing.T) {
	h := New(Config{MaxRetries: 2, MinBackoff: time.Millisecond, Strategy: StrategyFixed})
	calls := 0
	err := h.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestClassifierRejectsRetry(t *testing.T) {
	h := New(Config{
		MaxRetries: 5,
		MinBackoff: time.Millisecond,
		Classifier: func(err error) bool { return false },
	})
	calls := 0
	err := h.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryAfterHintOverridesComputedBackoff(t *testing.T) {
	var observedWait time.Duration
	h := New(Config{
		MaxRetries: 1,
		MinBackoff: time.Hour, // would dominate if not overridden
		OnRetry: func(attempt int, err error, wait time.Duration) {
			observedWait = wait
		},
	})
	calls := 0
	_ = h.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &retryAfterErr{d: 5 * time.Millisecond}
		}
		return nil
	})
	assert.Equal(t, 5*time.Millisecond, observedWait)
}

func TestOnExhaustedCalledWithLastError(t *testing.T) {
	var exhausted error
	h := New(Config{
		MaxRetries: 1,
		MinBackoff: time.Millisecond,
		OnExhausted: func(err error) {
			exhausted = err
		},
	})
	_ = h.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("nope")
	})
	require.Error(t, exhausted)
	assert.Equal(t, "nope", exhausted.Error())
}

func TestContextCancellationDuringBackoffStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New(Config{MaxRetries: 10, MinBackoff: 50 * time.Millisecond})
	calls := 0
	err := h.Do(ctx, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("fails")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffStrategies(t *testing.T) {
	h := New(Config{MinBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, Strategy: StrategyExponential})
	assert.Equal(t, 10*time.Millisecond, h.backoff(0))
	assert.Equal(t, 20*time.Millisecond, h.backoff(1))
	assert.Equal(t, 40*time.Millisecond, h.backoff(2))

	hl := New(Config{MinBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, Strategy: StrategyLinear})
	assert.Equal(t, 10*time.Millisecond, hl.backoff(0))
	assert.Equal(t, 20*time.Millisecond, hl.backoff(1))
	assert.Equal(t, 30*time.Millisecond, hl.backoff(2))

	hf := New(Config{MinBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, Strategy: StrategyFixed})
	assert.Equal(t, 10*time.Millisecond, hf.backoff(0))
	assert.Equal(t, 10*time.Millisecond, hf.backoff(5))
}
