package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_GrowthAndCap(t *testing.T) {
	b := NewBackoff(BackoffPolicy{
		Initial:    time.Second,
		Max:        8 * time.Second,
		Multiplier: 2,
	})

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for i, want := range expected {
		delay, ok := b.Next()
		require.True(t, ok)
		assert.Equal(t, want, delay, "attempt %d", i+1)
	}
	assert.Equal(t, 5, b.Attempt())
}

func TestBackoff_AttemptBudget(t *testing.T) {
	b := NewBackoff(BackoffPolicy{Initial: time.Millisecond, MaxAttempts: 2})

	_, ok := b.Next()
	assert.True(t, ok)
	_, ok = b.Next()
	assert.True(t, ok)
	_, ok = b.Next()
	assert.False(t, ok)

	b.Reset()
	_, ok = b.Next()
	assert.True(t, ok)
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(BackoffPolicy{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 1,
		Jitter:     0.2,
	})
	for i := 0; i < 50; i++ {
		delay, ok := b.Next()
		require.True(t, ok)
		assert.GreaterOrEqual(t, delay, 800*time.Millisecond)
		assert.LessOrEqual(t, delay, 1200*time.Millisecond)
	}
}

func TestBackoff_WaitCanceled(t *testing.T) {
	b := NewBackoff(BackoffPolicy{Initial: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, b.Wait(ctx))
}

func TestBackoff_WaitExhausted(t *testing.T) {
	b := NewBackoff(BackoffPolicy{Initial: time.Millisecond, MaxAttempts: 1})
	assert.True(t, b.Wait(context.Background()))
	assert.False(t, b.Wait(context.Background()))
}
