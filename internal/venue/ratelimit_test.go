package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsBurstUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, tb.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "the initial burst up to capacity should not block")
}

func TestTokenBucketBlocksOnceExhausted(t *testing.T) {
	tb := NewTokenBucket(1, 10) // 1 token capacity, refills at 10/s (~100ms per token)
	ctx := context.Background()
	require.NoError(t, tb.Wait(ctx))

	start := time.Now()
	require.NoError(t, tb.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "a second call with no tokens left must wait for refill")
}

func TestTokenBucketWaitRespectsContextCancellation(t *testing.T) {
	tb := NewTokenBucket(1, 0.001) // effectively never refills within the test window
	ctx := context.Background()
	require.NoError(t, tb.Wait(ctx))

	cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := tb.Wait(cancelCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryBackoffStopsOnSuccess(t *testing.T) {
	attempts := 0
	err := RetryBackoff(context.Background(), time.Millisecond, 5, func(error) bool { return true }, func(ctx context.Context) error {
		attempts++
		if attempts == 2 {
			return nil
		}
		return errors.New("transient")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryBackoffStopsImmediatelyWhenNotRetryable(t *testing.T) {
	attempts := 0
	sentinel := errors.New("permanent")
	err := RetryBackoff(context.Background(), time.Millisecond, 5, func(error) bool { return false }, func(ctx context.Context) error {
		attempts++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetryBackoffExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	err := RetryBackoff(context.Background(), time.Millisecond, 3, func(error) bool { return true }, func(ctx context.Context) error {
		attempts++
		return errors.New("still failing")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}
