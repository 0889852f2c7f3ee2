package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow(t *testing.T) {
	t.Run("BurstThenDeny", func(t *testing.T) {
		limiter := New(10, 3)

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow(), "burst token %d", i)
		}
		assert.False(t, limiter.Allow(), "bucket should be empty")
	})

	t.Run("TokensReplenish", func(t *testing.T) {
		limiter := New(100, 1)
		require.True(t, limiter.Allow())
		require.False(t, limiter.Allow())

		time.Sleep(50 * time.Millisecond)
		assert.True(t, limiter.Allow(), "token should have replenished")
	})

	t.Run("ZeroRateIsUnlimited", func(t *testing.T) {
		limiter := New(0, 0)
		for i := 0; i < 10_000; i++ {
			require.True(t, limiter.Allow())
		}
	})
}

func TestWait(t *testing.T) {
	t.Run("WaitsForToken", func(t *testing.T) {
		limiter := New(100, 1)
		require.True(t, limiter.Allow())

		start := time.Now()
		require.NoError(t, limiter.Wait(context.Background()))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("RespectsCancellation", func(t *testing.T) {
		limiter := New(1, 1)
		require.True(t, limiter.Allow())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.Error(t, limiter.Wait(ctx))
	})
}

func TestSetLimit(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())
	require.False(t, limiter.Allow())

	limiter.SetLimit(1000)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, limiter.Allow(), "raised limit should replenish quickly")
}
